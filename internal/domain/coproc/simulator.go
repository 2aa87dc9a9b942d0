package coproc

import (
	"sync"
	"time"
)

// Boot records one release of the simulated coprocessor from reset.
type Boot struct {
	Entry uint32
	At    time.Time
}

// Simulator is an in-process coprocessor. Out of reset it boots from the
// address in the mailbox and acknowledges by clearing the word after the
// configured delay. It powers up held in reset.
type Simulator struct {
	mu sync.Mutex

	reset   bool
	mailbox uint32
	epoch   uint64
	entry   uint32
	boots   []Boot

	ackDelay     time.Duration
	unresponsive bool
	stuck        bool
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// WithAckDelay delays the boot acknowledgement.
func WithAckDelay(d time.Duration) SimOption {
	return func(s *Simulator) { s.ackDelay = d }
}

// Unresponsive makes the simulator boot without ever acknowledging.
func Unresponsive() SimOption {
	return func(s *Simulator) { s.unresponsive = true }
}

func NewSimulator(opts ...SimOption) *Simulator {
	s := &Simulator{reset: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUnresponsive toggles acknowledgement of future boots.
func (s *Simulator) SetUnresponsive(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresponsive = v
}

// SetStuck makes the core ignore reset: it keeps running and never halts.
func (s *Simulator) SetStuck(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck = v
}

// SetAckDelay changes the acknowledgement delay of future boots.
func (s *Simulator) SetAckDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackDelay = d
}

func (s *Simulator) AssertReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stuck {
		return nil
	}
	s.reset = true
	s.entry = 0
	s.epoch++
	return nil
}

func (s *Simulator) ReleaseReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reset {
		return nil
	}
	s.reset = false
	s.epoch++
	s.entry = s.mailbox
	s.boots = append(s.boots, Boot{Entry: s.mailbox, At: time.Now()})

	if s.unresponsive {
		return nil
	}
	if s.ackDelay <= 0 {
		s.mailbox = 0
		return nil
	}

	epoch := s.epoch
	time.AfterFunc(s.ackDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// A reset in the meantime cancels the acknowledgement.
		if s.epoch == epoch && !s.reset {
			s.mailbox = 0
		}
	})
	return nil
}

func (s *Simulator) Halted() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reset, nil
}

func (s *Simulator) ReadMailbox() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailbox, nil
}

func (s *Simulator) WriteMailbox(v uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailbox = v
	return nil
}

// Running returns the entry address the core booted from, if it is out of
// reset.
func (s *Simulator) Running() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry, !s.reset
}

// Boots returns every boot since the simulator was created.
func (s *Simulator) Boots() []Boot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Boot, len(s.boots))
	copy(out, s.boots)
	return out
}
