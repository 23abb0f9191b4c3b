package completion

import (
	"context"
	"errors"
	"io"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Stream is a lazy, finite, non-restartable sequence of text fragments. Next
// returns io.EOF once the sequence is exhausted and keeps returning it.
type Stream interface {
	Next() (string, error)
	Close() error
}

type Client interface {
	StreamChat(ctx context.Context, messages []Message) (Stream, error)
}

// Observer receives every fragment as it is read.
type Observer func(fragment string)

// Drain consumes stream to the end, forwarding each fragment to observers, and
// returns the concatenated text. On error the text read so far is returned
// with it. The stream is closed in both cases.
func Drain(stream Stream, observers ...Observer) (string, error) {
	defer func() { _ = stream.Close() }()

	var text strings.Builder
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return text.String(), nil
		}
		if err != nil {
			return text.String(), err
		}
		if fragment == "" {
			continue
		}
		text.WriteString(fragment)
		for _, observe := range observers {
			if observe != nil {
				observe(fragment)
			}
		}
	}
}
