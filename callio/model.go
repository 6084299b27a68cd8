package callio

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/strtools/strcall/regions"
	"github.com/strtools/strcall/stutter"
)

// ModelWriter appends stutter models to a model TSV file as training
// finishes them. The output round-trips through
// stutter.ReadModelsFromPath.
type ModelWriter struct {
	mu  sync.Mutex
	out *output
}

// NewModelWriter creates path (gzipped if it ends in .gz) and writes
// the model file header.
func NewModelWriter(path string) (*ModelWriter, error) {
	out, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	if err := stutter.WriteHeader(out.w); err != nil {
		return nil, errors.E(err, "error writing model header:", path)
	}
	return &ModelWriter{out: out}, nil
}

// WriteModel appends the model line for reg.
func (w *ModelWriter) WriteModel(reg regions.Region, m *stutter.Model) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := stutter.WriteModel(w.out.w, reg, m); err != nil {
		return errors.E(err, "error writing stutter model:", w.out.path)
	}
	return nil
}

// Close flushes buffered models and closes the underlying file.
func (w *ModelWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.close()
}
