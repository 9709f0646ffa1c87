package media

import (
	"os"
	"path/filepath"
)

// Scratch is a request-scoped working directory. Every verification request
// gets its own scratch; Close removes it and everything written inside, and
// callers must defer Close on all exit paths.
type Scratch struct {
	dir string
}

// NewScratch creates a fresh scratch directory under root. An empty root
// falls back to the system temp directory.
func NewScratch(root string) (*Scratch, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
	}
	dir, err := os.MkdirTemp(root, "verify-*")
	if err != nil {
		return nil, err
	}
	return &Scratch{dir: dir}, nil
}

// Dir returns the scratch directory path.
func (s *Scratch) Dir() string { return s.dir }

// Path returns the absolute path for a file name inside the scratch.
func (s *Scratch) Path(name string) string { return filepath.Join(s.dir, name) }

// WriteFile atomically writes data to a named file in the scratch and
// returns its path.
func (s *Scratch) WriteFile(name string, data []byte) (string, error) {
	path := s.Path(name)
	if err := SaveFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Close removes the scratch directory and all of its contents.
func (s *Scratch) Close() error {
	if s == nil || s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// SaveFileAtomic writes data to path atomically by writing to a tmp file in
// the same directory, fsyncing, closing, and renaming into place.
// mode is the file permission bits (e.g., 0o644).
func SaveFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
