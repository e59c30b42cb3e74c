package proxy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vnmchuo/llm-router/internal/provider"
)

var (
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrDeadlineExceeded    = errors.New("dispatch deadline exceeded")
)

// Attempt is one candidate the dispatcher got as far as admission control
// with. Denied attempts never reached the backend.
type Attempt struct {
	Provider string
	Kind     provider.Kind
	Admitted bool
	Latency  time.Duration
	Err      error
}

// DispatchError is the only error Dispatch returns. Kind is one of the
// sentinels above, so callers test it with errors.Is.
type DispatchError struct {
	Kind      error
	RequestID string
	Attempts  []Attempt
}

func (e *DispatchError) Error() string {
	if len(e.Attempts) == 0 {
		return e.Kind.Error()
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		s := a.Provider + "=" + string(a.Kind)
		if !a.Admitted {
			s += " (denied)"
		}
		parts = append(parts, s)
	}
	return fmt.Sprintf("%s: %s", e.Kind, strings.Join(parts, ", "))
}

func (e *DispatchError) Unwrap() error {
	return e.Kind
}

// Kinds lists the per-attempt kinds in the order the attempts happened.
func (e *DispatchError) Kinds() []provider.Kind {
	kinds := make([]provider.Kind, len(e.Attempts))
	for i, a := range e.Attempts {
		kinds[i] = a.Kind
	}
	return kinds
}
