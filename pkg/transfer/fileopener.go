package transfer

import (
	"io"
	"os"
	"path/filepath"
)

// DiskOpener is the production FileOpener, writing directly to the
// temp target on the local filesystem.
type DiskOpener struct{}

// OpenAt opens path for writing at offset, creating parent directories
// and the file itself if they do not yet exist.
func (DiskOpener) OpenAt(path string, offset int64) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
