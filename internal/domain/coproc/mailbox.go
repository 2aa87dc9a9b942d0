package coproc

import (
	"context"
	"fmt"
	"time"
)

// Mailbox is the single-word message channel to the coprocessor. A message
// counts as acknowledged once the word no longer holds what was last sent.
type Mailbox struct {
	dev  Device
	last uint32
}

func NewMailbox(dev Device) *Mailbox {
	return &Mailbox{dev: dev}
}

// Send writes addr and remembers it as the pending transmission.
func (m *Mailbox) Send(addr uint32) error {
	m.last = addr
	if err := m.dev.WriteMailbox(addr); err != nil {
		return fmt.Errorf("mailbox send 0x%08x: %w", addr, err)
	}
	return nil
}

// Acknowledged reports whether the receiver consumed the last transmission.
func (m *Mailbox) Acknowledged() (bool, error) {
	v, err := m.dev.ReadMailbox()
	if err != nil {
		return false, fmt.Errorf("mailbox read: %w", err)
	}
	return v != m.last, nil
}

// Acknowledge clears the word, consuming whatever message it holds.
func (m *Mailbox) Acknowledge() error {
	if err := m.dev.WriteMailbox(0); err != nil {
		return fmt.Errorf("mailbox clear: %w", err)
	}
	return nil
}

// Clear empties the mailbox and forgets the pending transmission.
func (m *Mailbox) Clear() error {
	m.last = 0
	return m.Acknowledge()
}

// Wait polls until the last transmission is acknowledged or ctx ends. An
// expired deadline yields ErrTimeout.
func (m *Mailbox) Wait(ctx context.Context, poll time.Duration) error {
	return pollUntil(ctx, poll, m.Acknowledged)
}
