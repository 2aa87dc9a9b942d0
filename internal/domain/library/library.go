// Package library keeps validated kernel images on disk, one <name>.kimg
// file per image, so the controller can load them by name.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/GriffinCanCode/kcpu/internal/domain/image"
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Ext is the file extension of stored images.
const Ext = ".kimg"

var (
	ErrNotFound    = errors.New("kernel not found")
	ErrInvalidName = errors.New("invalid kernel name")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Entry describes one stored image.
type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Library is a directory of kernel images.
type Library struct {
	dir    string
	layout memory.Layout

	// mu orders writers; readers rely on rename being atomic.
	mu sync.Mutex
}

// Open creates dir if needed and returns a library over it. Images are
// checked against layout before they are stored.
func Open(dir string, layout memory.Layout) (*Library, error) {
	if dir == "" {
		return nil, fmt.Errorf("library directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create library: %w", err)
	}
	return &Library{dir: dir, layout: layout}, nil
}

// Dir returns the library directory.
func (l *Library) Dir() string {
	return l.dir
}

// ValidateName rejects names that are empty, too long, or could escape the
// library directory.
func ValidateName(name string) error {
	if !validName.MatchString(name) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (l *Library) path(name string) string {
	return filepath.Join(l.dir, name+Ext)
}

// Put validates buf as a kernel image and stores it under name, replacing
// any previous image of that name.
func (l *Library) Put(name string, buf []byte) (*Entry, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := image.Validate(buf, l.layout); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tmp, err := os.CreateTemp(l.dir, "."+name+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("store %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("store %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}
	if err := os.Rename(tmpName, l.path(name)); err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}

	return l.stat(name)
}

// Get reads the image stored under name.
func (l *Library) Get(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	info, err := l.stat(name)
	if err != nil {
		return nil, err
	}
	if limit := image.MaxImageSize(l.layout); info.Size > int64(limit) {
		return nil, fault.Errorf(fault.ErrTooLarge, "%s is %d bytes, limit %d", name, info.Size, limit)
	}

	buf, err := os.ReadFile(l.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return buf, err
}

// Remove deletes the image stored under name.
func (l *Library) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := os.Remove(l.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

// Clear deletes every stored image and reports how many were removed.
func (l *Library) Clear() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	matches, err := doublestar.Glob(os.DirFS(l.dir), "*"+Ext)
	if err != nil {
		return 0, fmt.Errorf("clear library: %w", err)
	}

	removed := 0
	var errs []error
	for _, m := range matches {
		if ValidateName(strings.TrimSuffix(m, Ext)) != nil {
			continue
		}
		err := os.Remove(filepath.Join(l.dir, m))
		switch {
		case err == nil:
			removed++
		case !errors.Is(err, fs.ErrNotExist):
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// List returns every stored image sorted by name.
func (l *Library) List() ([]Entry, error) {
	matches, err := doublestar.Glob(os.DirFS(l.dir), "*"+Ext)
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}

	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(m, Ext)
		if ValidateName(name) != nil {
			continue
		}
		e, err := l.stat(name)
		if err != nil {
			// Removed between glob and stat.
			continue
		}
		entries = append(entries, *e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (l *Library) stat(name string) (*Entry, error) {
	fi, err := os.Stat(l.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &Entry{Name: name, Size: fi.Size(), Modified: fi.ModTime()}, nil
}
