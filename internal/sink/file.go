package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
)

// FileStore appends record batches as JSON arrays under
// <dir>/<pid>/<rid>/<step>.<kind>.json.
type FileStore struct {
	dir     string
	program uint64
	rank    uint64
}

// NewFileStore creates the output directory tree for the rank.
func NewFileStore(dir string, program, rank uint64) (*FileStore, error) {
	rankDir := filepath.Join(dir, fmt.Sprintf("%d", program), fmt.Sprintf("%d", rank))
	if err := os.MkdirAll(rankDir, 0o755); err != nil {
		return nil, errs.New("sink/file", errs.KindFatalIO,
			errs.WithMessage("cannot create provenance output directory"),
			errs.WithField("dir", rankDir),
			errs.WithCause(err))
	}
	return &FileStore{dir: dir, program: program, rank: rank}, nil
}

// Write stores one batch. An existing file for the same step and kind is
// extended, so multiple emissions per step accumulate.
func (s *FileStore) Write(_ context.Context, batch Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	path := filepath.Join(s.dir,
		fmt.Sprintf("%d", s.program),
		fmt.Sprintf("%d", s.rank),
		fmt.Sprintf("%d.%s.json", batch.Step, batch.Kind))

	existing := make([]json.RawMessage, 0, len(batch.Records))
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &existing); err != nil {
			return errs.New("sink/file", errs.KindTransientIO,
				errs.WithMessage("existing provenance file is malformed"),
				errs.WithField("path", path),
				errs.WithCause(err))
		}
	}
	existing = append(existing, batch.Records...)

	raw, err := json.Marshal(existing)
	if err != nil {
		return errs.New("sink/file", errs.KindInternal, errs.WithCause(err))
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errs.New("sink/file", errs.KindTransientIO,
			errs.WithMessage("provenance write failed"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	return nil
}

// Close releases the store.
func (s *FileStore) Close() error { return nil }
