package dispatch

import (
	"errors"
	"fmt"
)

// ErrUnknownAction is returned for actions outside the vocabulary.
var ErrUnknownAction = errors.New("unknown action")

// AgentHTTPError is a non-2xx response from an agent's HTTP API.
type AgentHTTPError struct {
	Status int
	Body   string
}

func (e *AgentHTTPError) Error() string {
	return fmt.Sprintf("agent returned HTTP %d: %s", e.Status, e.Body)
}

// SSHFallbackError reports a failed fallback. Both the original agent error
// and the fallback error are reachable through errors.Is/As.
type SSHFallbackError struct {
	Action   Action
	Original error
	Fallback error
}

func (e *SSHFallbackError) Error() string {
	return fmt.Sprintf("%s failed (%v) and fallback failed: %v", e.Action, e.Original, e.Fallback)
}

func (e *SSHFallbackError) Unwrap() []error {
	return []error{e.Original, e.Fallback}
}
