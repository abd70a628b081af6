package applier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hpcbootstrap/slurmctld-converger/common/slurmconfig"
	"github.com/hpcbootstrap/slurmctld-converger/controller/convergence"
	"go.uber.org/zap"
)

type FileApplierOptions struct {
	Logger *zap.Logger
	Path   string
}

// FileApplier renders each emitted document as YAML and replaces the file at
// Path.  A document whose fingerprint matches the last one written is not
// written again.
type FileApplier struct {
	logger *zap.Logger
	path   string

	lock            sync.Mutex
	lastFingerprint string
}

var _ convergence.Applier = (*FileApplier)(nil)

func NewFileApplier(opts *FileApplierOptions) (*FileApplier, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("file applier requires an output path")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileApplier{
		logger: logger,
		path:   opts.Path,
	}, nil
}

func (a *FileApplier) Apply(ctx context.Context, doc *slurmconfig.Document) {
	written, err := a.Write(doc)
	if err != nil {
		// the next ready evaluation emits again, there is nothing to retry here
		a.logger.Error("failed to apply configuration document",
			zap.String("path", a.path),
			zap.Error(err))
		return
	}

	if written {
		a.logger.Info("applied configuration document", zap.String("path", a.path))
	}
}

// Write persists doc and reports whether the file changed.
func (a *FileApplier) Write(doc *slurmconfig.Document) (bool, error) {
	fingerprint, err := doc.Fingerprint()
	if err != nil {
		return false, fmt.Errorf("failed to fingerprint document: %w", err)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if fingerprint == a.lastFingerprint {
		a.logger.Debug("configuration unchanged, skipping write", zap.String("fingerprint", fingerprint))
		return false, nil
	}

	data, err := doc.RenderYAML()
	if err != nil {
		return false, fmt.Errorf("failed to render document: %w", err)
	}

	err = writeFileAtomic(a.path, data)
	if err != nil {
		return false, err
	}

	a.lastFingerprint = fingerprint
	return true, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set file mode: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}
