// Package files manages a root directory and typed sub-directories on an
// afero filesystem. Callers address files by directory type and base name
// instead of building paths themselves.
package files

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// DirType identifies a managed directory
type DirType int

// Built-in directory types. Types 3 to 9 are reserved; custom types start at
// FirstCustomDir.
const (
	DirRoot  DirType = 0
	DirTmp   DirType = 1
	DirPhoto DirType = 2

	FirstCustomDir DirType = 10
)

// Common errors returned by the Manager
var (
	ErrReservedType   = errors.New("directory type is reserved")
	ErrTypeRegistered = errors.New("directory type already registered")
	ErrUnknownType    = errors.New("directory type not registered")
	ErrInvalidName    = errors.New("invalid file or directory name")
	ErrNoRoot         = errors.New("root directory not set")
)

const dirPerm = 0o755

// Manager resolves typed directories below <base>/<root name>
type Manager struct {
	fs     afero.Fs
	base   string
	logger *slog.Logger

	mu   sync.RWMutex
	root string
	dirs map[DirType]string
}

// NewManager creates a manager for directories below base on fs
func NewManager(fs afero.Fs, base string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		fs:     fs,
		base:   base,
		logger: logger.With("component", "file_manager"),
		dirs:   make(map[DirType]string),
	}
}

// Fs returns the underlying filesystem
func (m *Manager) Fs() afero.Fs {
	return m.fs
}

// SetRootName sets and creates the root directory. Registered sub-directories
// move with it and are created below the new root.
func (m *Manager) SetRootName(name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	root := filepath.Join(m.base, name)
	if err := m.fs.MkdirAll(root, dirPerm); err != nil {
		return fmt.Errorf("failed to create root directory %s: %w", root, err)
	}
	for t, dir := range m.dirs {
		if err := m.fs.MkdirAll(filepath.Join(root, dir), dirPerm); err != nil {
			return fmt.Errorf("failed to create directory type %d: %w", t, err)
		}
	}
	m.root = name
	m.logger.Info("root directory set", "path", root)
	return nil
}

// RootName returns the root directory name, or "" before SetRootName
func (m *Manager) RootName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// SetDir registers a sub-directory of the root for type t and creates it.
// If it already exists and clear is set, its contents are removed. Each type
// can be registered once; DirRoot and the reserved types are rejected.
func (m *Manager) SetDir(t DirType, name string, clear bool) error {
	if t == DirRoot || (t > DirPhoto && t < FirstCustomDir) || t < 0 {
		return fmt.Errorf("%w: %d", ErrReservedType, t)
	}
	if err := checkName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == "" {
		return ErrNoRoot
	}
	if _, ok := m.dirs[t]; ok {
		return fmt.Errorf("%w: %d", ErrTypeRegistered, t)
	}

	dir := filepath.Join(m.base, m.root, name)
	exists, err := afero.DirExists(m.fs, dir)
	if err != nil {
		return fmt.Errorf("failed to check directory %s: %w", dir, err)
	}
	if exists && clear {
		if err := m.clear(dir); err != nil {
			return err
		}
	}
	if !exists {
		if err := m.fs.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	m.dirs[t] = name
	m.logger.Debug("directory registered", "type", int(t), "path", dir, "cleared", exists && clear)
	return nil
}

// Dir returns the full path of the directory registered for t
func (m *Manager) Dir(t DirType) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirLocked(t)
}

func (m *Manager) dirLocked(t DirType) (string, error) {
	if m.root == "" {
		return "", ErrNoRoot
	}
	if t == DirRoot {
		return filepath.Join(m.base, m.root), nil
	}
	name, ok := m.dirs[t]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	return filepath.Join(m.base, m.root, name), nil
}

// ClearDir removes the contents of the directory for t. Clearing the root
// keeps the registered sub-directories in place, empty.
func (m *Manager) ClearDir(t DirType) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir, err := m.dirLocked(t)
	if err != nil {
		return err
	}
	if err := m.clear(dir); err != nil {
		return err
	}
	if t == DirRoot {
		for _, name := range m.dirs {
			if err := m.fs.MkdirAll(filepath.Join(dir, name), dirPerm); err != nil {
				return fmt.Errorf("failed to recreate directory %s: %w", name, err)
			}
		}
	}
	m.logger.Debug("directory cleared", "type", int(t), "path", dir)
	return nil
}

func (m *Manager) clear(dir string) error {
	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return fmt.Errorf("failed to list directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if err := m.fs.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Path returns the full path of file name inside the directory for t
func (m *Manager) Path(t DirType, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	dir, err := m.Dir(t)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Create creates or truncates file name in the directory for t
func (m *Manager) Create(t DirType, name string) (afero.File, error) {
	path, err := m.Path(t, name)
	if err != nil {
		return nil, err
	}
	return m.fs.Create(path)
}

// OpenFile opens file name in the directory for t with the given flags
func (m *Manager) OpenFile(t DirType, name string, flag int, perm os.FileMode) (afero.File, error) {
	path, err := m.Path(t, name)
	if err != nil {
		return nil, err
	}
	return m.fs.OpenFile(path, flag, perm)
}

// Open opens file name in the directory for t for reading
func (m *Manager) Open(t DirType, name string) (afero.File, error) {
	path, err := m.Path(t, name)
	if err != nil {
		return nil, err
	}
	return m.fs.Open(path)
}

// Stat describes file name in the directory for t
func (m *Manager) Stat(t DirType, name string) (os.FileInfo, error) {
	path, err := m.Path(t, name)
	if err != nil {
		return nil, err
	}
	return m.fs.Stat(path)
}

// Remove deletes file name from the directory for t. A missing file is not an
// error.
func (m *Manager) Remove(t DirType, name string) error {
	path, err := m.Path(t, name)
	if err != nil {
		return err
	}
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Rename moves a file between managed directories
func (m *Manager) Rename(fromType DirType, from string, toType DirType, to string) error {
	src, err := m.Path(fromType, from)
	if err != nil {
		return err
	}
	dst, err := m.Path(toType, to)
	if err != nil {
		return err
	}
	return m.fs.Rename(src, dst)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
