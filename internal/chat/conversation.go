package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/loanbot/loanbot/internal/completion"
	"github.com/loanbot/loanbot/internal/present"
	"github.com/loanbot/loanbot/internal/warehouse"
)

type Outcome string

const (
	OutcomeAnswered         Outcome = "answered"
	OutcomeNoQuery          Outcome = "no_query"
	OutcomeQueryFailed      Outcome = "query_failed"
	OutcomeCompletionFailed Outcome = "completion_failed"
	OutcomeKPIReport        Outcome = "kpi_report"
)

// Turn is one conversation entry. Query, Result and Chart are only set on
// assistant turns that produced them.
type Turn struct {
	Role      completion.Role    `json:"role"`
	Content   string             `json:"content"`
	Query     string             `json:"query,omitempty"`
	Result    *warehouse.Result  `json:"result,omitempty"`
	Chart     *present.ChartSpec `json:"chart,omitempty"`
	Outcome   Outcome            `json:"outcome,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

var errSystemTurn = errors.New("system turn can only be set when the conversation is created")

// Conversation is append-only. The first turn is always the system turn.
type Conversation struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewConversation(systemPrompt string, at time.Time) *Conversation {
	return &Conversation{turns: []Turn{{
		Role:      completion.RoleSystem,
		Content:   systemPrompt,
		CreatedAt: at,
	}}}
}

func (c *Conversation) Append(turn Turn) error {
	if turn.Role == completion.RoleSystem {
		return errSystemTurn
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turn)
	return nil
}

func (c *Conversation) System() Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turns[0]
}

// Turns returns a copy of every turn, system turn first.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// History returns the non-system turns.
func (c *Conversation) History() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns)-1)
	copy(out, c.turns[1:])
	return out
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Messages builds the completion request: the system turn followed by the
// most recent window non-system turns. A window of 0 sends everything.
func (c *Conversation) Messages(window int) []completion.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	history := c.turns[1:]
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	out := make([]completion.Message, 0, len(history)+1)
	out = append(out, completion.Message{Role: completion.RoleSystem, Content: c.turns[0].Content})
	for _, turn := range history {
		out = append(out, completion.Message{Role: turn.Role, Content: turn.Content})
	}
	return out
}
