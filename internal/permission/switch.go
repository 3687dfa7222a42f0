package permission

import (
	"context"
	"sync"
)

// Switch is an in-process Querier whose state is set programmatically
type Switch struct {
	state    State
	watchers map[chan State]struct{}
	mu       sync.Mutex
}

// NewSwitch creates a switch in the given initial state
func NewSwitch(initial State) *Switch {
	return &Switch{
		state:    initial,
		watchers: make(map[chan State]struct{}),
	}
}

// Query returns the current state
func (s *Switch) Query(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Watch registers a watcher that receives every later Set
func (s *Switch) Watch(ctx context.Context) (<-chan State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan State, 8)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch, nil
}

// Set changes the state and notifies watchers. Unchanged states are not
// broadcast. A watcher whose buffer is full loses its oldest pending state,
// so the latest one is always delivered.
func (s *Switch) Set(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == state {
		return
	}
	s.state = state

	for ch := range s.watchers {
		select {
		case ch <- state:
			continue
		default:
		}

		// Only Set sends, under s.mu, so one receive makes room
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- state:
		default:
		}
	}
}
