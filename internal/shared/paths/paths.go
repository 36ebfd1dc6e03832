package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Entries under a storage directory
const (
	ViewDir      = "view"
	LogDir       = "log"
	IdentityFile = "identity.seed"
)

// Layout resolves the paths of one storage directory
type Layout struct {
	root string
}

// New returns the layout rooted at dir
func New(dir string) Layout {
	return Layout{root: filepath.Clean(dir)}
}

// Root returns the storage directory itself
func (l Layout) Root() string {
	return l.root
}

// View returns the view store directory
func (l Layout) View() string {
	return filepath.Join(l.root, ViewDir)
}

// Log returns the operation log directory
func (l Layout) Log() string {
	return filepath.Join(l.root, LogDir)
}

// Identity returns the stored RPC seed file
func (l Layout) Identity() string {
	return filepath.Join(l.root, IdentityFile)
}

// Directories returns every directory the layout owns
func (l Layout) Directories() []string {
	return []string{l.root, l.View(), l.Log()}
}

// Ensure creates the storage directories
func (l Layout) Ensure() error {
	for _, dir := range l.Directories() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks that dir can root a layout
func Validate(dir string) error {
	if dir == "" {
		return fmt.Errorf("storage dir cannot be empty")
	}
	if filepath.Clean(dir) == string(filepath.Separator) {
		return fmt.Errorf("storage dir cannot be the filesystem root")
	}
	return nil
}
