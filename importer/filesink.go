package importer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/fishwowater/trellis-go/types"
)

// FileSink is the default Sink: it copies the artifact into an output
// directory and returns the destination path as the object handle. Hosts
// with a real scene graph replace it with their own Sink.
type FileSink struct {
	dir string
}

// NewFileSink creates a file sink writing into dir.
func NewFileSink(dir string) *FileSink {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "trellis_imports")
	}
	return &FileSink{dir: dir}
}

// Place copies the artifact file into the sink directory.
func (s *FileSink) Place(ctx context.Context, artifactPath, format string) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", types.NewError(types.ErrImportFailed, "failed to create import dir").WithCause(err)
	}

	dest := filepath.Join(s.dir, filepath.Base(artifactPath))
	if dest == artifactPath {
		return dest, nil
	}

	src, err := os.Open(artifactPath)
	if err != nil {
		return "", types.NewError(types.ErrImportFailed, "failed to open artifact").WithCause(err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", types.NewError(types.ErrImportFailed, "failed to create import file").WithCause(err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return "", types.NewError(types.ErrImportFailed, "failed to copy artifact").WithCause(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", types.NewError(types.ErrImportFailed, "failed to finalize import file").WithCause(err)
	}
	return dest, nil
}
