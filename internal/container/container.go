package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrUnregisteredGroup is returned when a group identifier has no
	// registered container.
	ErrUnregisteredGroup = errors.New("group identifier not registered")

	// ErrNoContainerRoot is returned when no container root directory is
	// configured.
	ErrNoContainerRoot = errors.New("no container root configured")

	// ErrInvalidName is returned for empty or malformed identifiers.
	ErrInvalidName = errors.New("invalid name")
)

// Resolver maps a group identifier to its shared container directory.
type Resolver interface {
	ContainerDir(groupID string) (string, error)
}

// Func adapts an ordinary function to the Resolver interface.
type Func func(groupID string) (string, error)

// ContainerDir calls f(groupID).
func (f Func) ContainerDir(groupID string) (string, error) {
	return f(groupID)
}

// Directory resolves containers as subdirectories of a single root.
// The zero value has no root and resolves nothing.
//
// Thread-safety: all methods are safe for concurrent use.
type Directory struct {
	mu     sync.RWMutex
	root   string
	groups map[string]struct{}
}

// NewDirectory creates a Directory rooted at root with the given groups
// registered. Group identifiers are NFC-normalized; invalid ones are
// reported as an error.
func NewDirectory(root string, groups ...string) (*Directory, error) {
	d := &Directory{root: root, groups: make(map[string]struct{})}
	if err := d.Register(groups...); err != nil {
		return nil, err
	}
	return d, nil
}

// Root returns the container root directory.
func (d *Directory) Root() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

// Register adds group identifiers to the set of resolvable groups.
func (d *Directory) Register(groups ...string) error {
	normalized := make([]string, 0, len(groups))
	for _, g := range groups {
		n, err := NormalizeName(g)
		if err != nil {
			return fmt.Errorf("register group %q: %w", g, err)
		}
		normalized = append(normalized, n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.groups == nil {
		d.groups = make(map[string]struct{})
	}
	for _, n := range normalized {
		d.groups[n] = struct{}{}
	}
	return nil
}

// Groups returns the registered group identifiers in sorted order.
func (d *Directory) Groups() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.groups))
	for g := range d.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// ContainerDir returns <root>/<groupID> for a registered group.
func (d *Directory) ContainerDir(groupID string) (string, error) {
	id, err := NormalizeName(groupID)
	if err != nil {
		return "", err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.root == "" {
		return "", ErrNoContainerRoot
	}
	if _, ok := d.groups[id]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnregisteredGroup, id)
	}

	root, err := filepath.Abs(d.root)
	if err != nil {
		return "", fmt.Errorf("absolute container root: %w", err)
	}
	return filepath.Join(root, id), nil
}

// NormalizeName validates a single path component (a group identifier or
// a store file name) and returns its NFC form.
//
// '?' and '#' are rejected: SQLite drivers treat the path as a DSN and
// would cut the file name at either one.
func NormalizeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	n := norm.NFC.String(name)
	switch {
	case n == "." || n == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(n, `/\`):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.ContainsAny(n, "?#"):
		return "", fmt.Errorf("%w: %q contains a DSN delimiter", ErrInvalidName, name)
	case strings.ContainsRune(n, 0):
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)
	case strings.TrimSpace(n) != n:
		return "", fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidName, name)
	}
	return n, nil
}

// DefaultRoot returns the platform's conventional container root:
//   - darwin: ~/Library/Group Containers
//   - others: $XDG_DATA_HOME/group-containers, falling back to
//     ~/.local/share/group-containers
func DefaultRoot() (string, error) {
	if runtime.GOOS != "darwin" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "group-containers"), nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Group Containers"), nil
	}
	return filepath.Join(home, ".local", "share", "group-containers"), nil
}
