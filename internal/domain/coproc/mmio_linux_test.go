//go:build linux

package coproc

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMMIOOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "csr")
	require.NoError(t, os.WriteFile(path, make([]byte, 0x3000), 0o600))

	const mailbox, ctl = 0x1000, 0x2000
	d, err := OpenMMIO(path, mailbox, ctl)
	require.NoError(t, err)

	mb := NewMailbox(d)
	require.NoError(t, mb.Send(0x40400000))
	require.NoError(t, d.AssertReset())

	v, err := d.ReadMailbox()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40400000), v)

	halted, err := d.Halted()
	require.NoError(t, err)
	assert.False(t, halted, "status word is clear in the backing file")

	require.NoError(t, d.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40400000), binary.NativeEndian.Uint32(raw[mailbox:]))
	assert.Equal(t, uint32(1), binary.NativeEndian.Uint32(raw[ctl:]))
}
