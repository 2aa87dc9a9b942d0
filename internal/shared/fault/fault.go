// Package fault defines the error kinds shared by the kernel loading path
// and the execution controller.
//
// Every error returned by the domain packages wraps exactly one of the
// sentinel values below, so callers match with errors.Is and never parse
// messages:
//
//	if errors.Is(err, fault.ErrSymbolNotFound) {
//		...
//	}
//
// Only ErrHardwareFault is fatal: it means the coprocessor did not halt when
// asked to, and the platform layer has to escalate (full system reset).
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrTooLarge          = errors.New("image too large")
	ErrBadFormat         = errors.New("bad image format")
	ErrTruncated         = errors.New("image truncated")
	ErrCorrupt           = errors.New("image corrupt")
	ErrRegionOverflow    = errors.New("region overflow")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrDuplicateSymbol   = errors.New("duplicate symbol")
	ErrAddressOutOfRange = errors.New("address out of range")
	ErrInvalidEntryPoint = errors.New("invalid entry point")
	ErrTimeout           = errors.New("coprocessor timeout")
	ErrHardwareFault     = errors.New("hardware fault")
	ErrSuperseded        = errors.New("start superseded by stop")
)

// kinds is ordered by severity: an error joining several kinds reports the
// first match.
var kinds = []struct {
	err  error
	name string
}{
	{ErrHardwareFault, "hardware_fault"},
	{ErrTooLarge, "too_large"},
	{ErrBadFormat, "bad_format"},
	{ErrTruncated, "truncated"},
	{ErrCorrupt, "corrupt"},
	{ErrRegionOverflow, "region_overflow"},
	{ErrSymbolNotFound, "symbol_not_found"},
	{ErrDuplicateSymbol, "duplicate_symbol"},
	{ErrAddressOutOfRange, "address_out_of_range"},
	{ErrInvalidEntryPoint, "invalid_entry_point"},
	{ErrTimeout, "timeout"},
	{ErrSuperseded, "superseded"},
}

// Errorf wraps kind with a formatted detail message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns a stable label for the kind wrapped by err: "ok" for nil,
// "unknown" when err wraps none of the sentinels.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}

// IsFatal reports whether err leaves the coprocessor in a state this process
// cannot recover from.
func IsFatal(err error) bool {
	return errors.Is(err, ErrHardwareFault)
}

// FromKind is the inverse of Kind: it returns the sentinel labelled name, or
// nil for labels that name no sentinel.
func FromKind(name string) error {
	for _, k := range kinds {
		if k.name == name {
			return k.err
		}
	}
	return nil
}
