package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrEchoFailure is returned by Echo when FailAfter is reached.
var ErrEchoFailure = errors.New("llm: echo provider failure")

// Echo replies with the last user message. Fragments are split on word boundaries.
type Echo struct {
	// ChunkDelay is slept between fragments.
	ChunkDelay time.Duration
	// FailAfter fails the stream after that many fragments when > 0.
	FailAfter int
	// FailOpen fails before any fragment is produced.
	FailOpen bool
}

// Reply is the full text Echo produces for messages.
func (e *Echo) Reply(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return "You asked: " + strings.TrimSpace(messages[i].Content)
		}
	}
	return "How can I help?"
}

func (e *Echo) Chat(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.FailOpen {
		return "", ErrEchoFailure
	}
	return e.Reply(messages), nil
}

func (e *Echo) ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		if e.FailOpen {
			errs <- ErrEchoFailure
			return
		}

		for i, part := range strings.SplitAfter(e.Reply(messages), " ") {
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			if e.FailAfter > 0 && i >= e.FailAfter {
				errs <- ErrEchoFailure
				return
			}
			if i > 0 && e.ChunkDelay > 0 {
				t := time.NewTimer(e.ChunkDelay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					errs <- ctx.Err()
					return
				}
			}
			select {
			case out <- part:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return out, errs
}
