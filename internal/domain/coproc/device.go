// Package coproc is the hand-off transport between the main processor and
// the kernel coprocessor: the reset line and the single-word mailbox.
package coproc

import (
	"context"
	"errors"
	"time"

	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Device is the hardware surface of the coprocessor.
type Device interface {
	// AssertReset holds the coprocessor in reset.
	AssertReset() error
	// ReleaseReset lets the coprocessor boot from the address in the mailbox.
	ReleaseReset() error
	// Halted reports whether the coprocessor has stopped executing.
	Halted() (bool, error)

	ReadMailbox() (uint32, error)
	WriteMailbox(v uint32) error
}

// DefaultPoll is the interval between hardware status reads.
const DefaultPoll = 100 * time.Microsecond

// WaitHalted polls dev until it reports halted or ctx ends.
func WaitHalted(ctx context.Context, dev Device, poll time.Duration) error {
	return pollUntil(ctx, poll, dev.Halted)
}

func pollUntil(ctx context.Context, poll time.Duration, cond func() (bool, error)) error {
	if poll <= 0 {
		poll = DefaultPoll
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctxErr(ctx)
		case <-ticker.C:
		}
	}
}

// ctxErr maps an expired deadline to ErrTimeout and leaves cancellation as is.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Errorf(fault.ErrTimeout, "%v", err)
	}
	return err
}
