package quicklook

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Dir writes previews into a directory, one file per acquisition.
type Dir struct {
	dir string
}

func NewDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create quicklook directory: %w", err)
	}
	return &Dir{dir: dir}, nil
}

// Path returns the file for the scene acquired at t.
func (d *Dir) Path(t time.Time) string {
	return filepath.Join(d.dir, fmt.Sprintf("flood_%s.png", t.UTC().Format("20060102T150405Z")))
}

func (d *Dir) Write(t time.Time, data []byte) (string, error) {
	path := d.Path(t)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
