package kloader

import "fmt"

// Mode is the execution mode of the coprocessor. Exactly one is active.
type Mode int

const (
	ModeStopped Mode = iota
	ModeBridge
	ModeIdle
	ModeUser
)

var modeNames = [...]string{"stopped", "bridge", "idle", "user"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return ModeStopped, fmt.Errorf("unknown mode %q", s)
}

// ModeNames lists every mode in order.
func ModeNames() []string {
	return modeNames[:]
}
