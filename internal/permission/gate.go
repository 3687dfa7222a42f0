package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// State is the microphone authorization state
type State string

const (
	StateGranted State = "granted"
	StateDenied  State = "denied"
	StatePrompt  State = "prompt"
)

// ErrUnsupported is returned when no permission capability is available
var ErrUnsupported = errors.New("permission query not supported")

// Valid reports whether s is one of the known states
func (s State) Valid() bool {
	switch s {
	case StateGranted, StateDenied, StatePrompt:
		return true
	}
	return false
}

// ParseState converts a configuration or API value into a State
func ParseState(value string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(value)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown permission state %q (want granted, denied or prompt)", value)
	}
	return s, nil
}

// Querier is the platform capability behind the gate
type Querier interface {
	Query(ctx context.Context) (State, error)
	// Watch delivers state changes until ctx is done, then closes the channel
	Watch(ctx context.Context) (<-chan State, error)
}

// Error describes why capture is not permitted
type Error struct {
	State State
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("microphone permission %s: %v", e.State, e.Err)
	}
	return fmt.Sprintf("microphone permission %s", e.State)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Gate exposes the current permission state and its last query error
type Gate struct {
	querier Querier
	logger  *slog.Logger

	state     State
	lastError string
	mu        sync.RWMutex
}

// NewGate creates a gate over q; a nil querier means the capability is
// unavailable and every check is denied
func NewGate(q Querier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		querier: q,
		logger:  logger,
		state:   StatePrompt,
	}
}

// Check queries the current state. A nil error means capture may be
// attempted: granted, or prompt where the device performs the consent flow.
func (g *Gate) Check(ctx context.Context) (State, error) {
	if g.querier == nil {
		return g.deny(ErrUnsupported)
	}

	state, err := g.querier.Query(ctx)
	if err != nil {
		return g.deny(fmt.Errorf("failed to query permission: %w", err))
	}
	if !state.Valid() {
		return g.deny(fmt.Errorf("unknown permission state %q", state))
	}

	g.mu.Lock()
	g.state = state
	g.lastError = ""
	g.mu.Unlock()

	if state == StateDenied {
		return state, &Error{State: state}
	}
	return state, nil
}

// Subscribe watches permission changes until ctx is done, updating State and
// invoking fn on each change. fn runs on the watcher goroutine.
func (g *Gate) Subscribe(ctx context.Context, fn func(State)) error {
	if g.querier == nil {
		_, err := g.deny(ErrUnsupported)
		return err
	}

	changes, err := g.querier.Watch(ctx)
	if err != nil {
		_, err = g.deny(fmt.Errorf("failed to watch permission: %w", err))
		return err
	}

	go func() {
		for state := range changes {
			if !state.Valid() {
				g.deny(fmt.Errorf("unknown permission state %q", state))
				state = StateDenied
			} else {
				g.mu.Lock()
				g.state = state
				g.mu.Unlock()
			}

			g.logger.Info("Microphone permission changed", slog.String("state", string(state)))

			if fn != nil {
				fn(state)
			}
		}
	}()

	return nil
}

// State returns the last observed permission state
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// LastError returns the last query failure, or "" when the last query succeeded
func (g *Gate) LastError() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastError
}

func (g *Gate) deny(cause error) (State, error) {
	g.mu.Lock()
	g.state = StateDenied
	g.lastError = cause.Error()
	g.mu.Unlock()

	g.logger.Warn("Microphone permission check failed, treating as denied",
		slog.String("error", cause.Error()))

	return StateDenied, &Error{State: StateDenied, Err: cause}
}
