package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
)

// RegionSpec places one loadable region.
type RegionSpec struct {
	Base uint32 `toml:"base" yaml:"base"`
	Size uint32 `toml:"size" yaml:"size"`
}

// Platform is the on-disk description of a board memory map. Fields left
// out keep the reference board values.
type Platform struct {
	Name        string     `toml:"name" yaml:"name"`
	Exec        RegionSpec `toml:"exec" yaml:"exec"`
	Payload     RegionSpec `toml:"payload" yaml:"payload"`
	Mailbox     uint32     `toml:"mailbox" yaml:"mailbox"`
	ResetCtl    uint32     `toml:"reset_ctl" yaml:"reset_ctl"`
	BridgeEntry uint32     `toml:"bridge_entry" yaml:"bridge_entry"`
	IdleEntry   uint32     `toml:"idle_entry" yaml:"idle_entry"`
}

func defaultPlatform() Platform {
	l := memory.DefaultLayout()
	return Platform{
		Name:        "reference",
		Exec:        RegionSpec{Base: l.Exec.Base, Size: l.Exec.Size},
		Payload:     RegionSpec{Base: l.Payload.Base, Size: l.Payload.Size},
		Mailbox:     l.Mailbox,
		ResetCtl:    l.ResetCtl,
		BridgeEntry: l.BridgeEntry,
		IdleEntry:   l.IdleEntry,
	}
}

// Layout converts p into a validated memory layout.
func (p Platform) Layout() (memory.Layout, error) {
	l := memory.DefaultLayout()
	l.Exec.Base, l.Exec.Size = p.Exec.Base, p.Exec.Size
	l.Payload.Base, l.Payload.Size = p.Payload.Base, p.Payload.Size
	l.Mailbox = p.Mailbox
	l.ResetCtl = p.ResetCtl
	l.BridgeEntry = p.BridgeEntry
	l.IdleEntry = p.IdleEntry

	if err := l.Validate(); err != nil {
		return memory.Layout{}, fmt.Errorf("platform %s: %w", p.Name, err)
	}
	return l, nil
}

// LoadLayout reads a platform file, TOML or YAML by extension. An empty path
// yields the reference board layout.
func LoadLayout(path string) (memory.Layout, error) {
	if path == "" {
		return memory.DefaultLayout(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return memory.Layout{}, fmt.Errorf("failed to read platform file: %w", err)
	}

	p := defaultPlatform()
	p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &p)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &p)
	default:
		return memory.Layout{}, fmt.Errorf("unsupported platform file type %q", ext)
	}
	if err != nil {
		return memory.Layout{}, fmt.Errorf("failed to parse platform file: %w", err)
	}

	return p.Layout()
}
