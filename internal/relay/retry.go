package relay

import (
	"errors"
	"time"

	"discord-study-assistant-bot/internal/llm"
)

// Policy is a pure retry decision: given the attempt that just failed and
// its error, either continue after a fixed delay or abort. Provider errors
// are treated as transient; configuration errors abort immediately.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Delay: 5 * time.Second}
}

// Next reports whether attempt+1 should run and how long to wait first.
func (p Policy) Next(attempt int, err error) (time.Duration, bool) {
	if errors.Is(err, llm.ErrUnknownModel) {
		return 0, false
	}
	if attempt >= p.MaxAttempts {
		return 0, false
	}

	return p.Delay, true
}
