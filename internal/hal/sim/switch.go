package sim

import "sync"

// Switch is a fake power switch usable as both a transceiver rail and a
// stop-mode request line.
type Switch struct {
	mu      sync.Mutex
	on      bool
	enables int
	fail    error
}

// FailWith makes every following Enable/Enter return err.
func (s *Switch) FailWith(err error) { s.mu.Lock(); s.fail = err; s.mu.Unlock() }

func (s *Switch) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.on = true
	s.enables++
	return nil
}

func (s *Switch) Disable() error {
	s.mu.Lock()
	s.on = false
	s.mu.Unlock()
	return nil
}

func (s *Switch) Enter() error { return s.Enable() }
func (s *Switch) Exit() error  { return s.Disable() }

// On reports the current switch position.
func (s *Switch) On() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.on }

// Enables counts successful Enable calls.
func (s *Switch) Enables() int { s.mu.Lock(); defer s.mu.Unlock(); return s.enables }
