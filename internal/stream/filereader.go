package stream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/perfstream/anomalyd/errs"
)

// stepFileDocument is the on-disk form of one trace step.
type stepFileDocument struct {
	Step        int               `json:"step"`
	FuncData    [][]uint64        `json:"func_data"`
	CommData    [][]uint64        `json:"comm_data"`
	CounterData [][]uint64        `json:"counter_data"`
	Attributes  map[string]string `json:"attributes"`
	Metadata    []Metadata        `json:"metadata"`
}

// FileReader consumes steps written as sequential JSON documents
// `<dir>/<prefix>.step.<N>.json`. BeginStep polls for the next file until the
// timeout expires, mirroring the blocking begin-step of a streaming engine.
type FileReader struct {
	dir    string
	prefix string
	next   int
	open   bool
	data   StepData

	pollInterval time.Duration
}

// NewFileReader constructs a reader over the given directory and file prefix.
func NewFileReader(dir, prefix string) *FileReader {
	return &FileReader{dir: dir, prefix: prefix, pollInterval: 100 * time.Millisecond}
}

func (r *FileReader) stepPath(step int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.step.%d.json", r.prefix, step))
}

// BeginStep waits for the next step file to appear, up to timeout.
func (r *FileReader) BeginStep(ctx context.Context, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	path := r.stepPath(r.next)
	for {
		if err := ctx.Err(); err != nil {
			return 0, errs.New("stream/file", errs.KindFatalIO, errs.WithCause(err))
		}
		raw, err := os.ReadFile(path)
		if err == nil {
			var doc stepFileDocument
			if uerr := json.Unmarshal(raw, &doc); uerr != nil {
				return 0, errs.New("stream/file", errs.KindInvalidInput,
					errs.WithMessage("malformed step document"),
					errs.WithField("path", path),
					errs.WithCause(uerr))
			}
			r.data = StepData{
				Step:        doc.Step,
				FuncData:    doc.FuncData,
				CommData:    doc.CommData,
				CounterData: doc.CounterData,
				Attributes:  parseAttributeDict(doc.Attributes),
				Metadata:    doc.Metadata,
			}
			r.next++
			r.open = true
			return doc.Step, nil
		}
		if !os.IsNotExist(err) {
			return 0, errs.New("stream/file", errs.KindFatalIO, errs.WithCause(err))
		}
		if time.Now().After(deadline) {
			return 0, errs.New("stream/file", errs.KindFatalIO,
				errs.WithMessage("begin-step timeout"),
				errs.WithField("path", path))
		}
		select {
		case <-ctx.Done():
			return 0, errs.New("stream/file", errs.KindFatalIO, errs.WithCause(ctx.Err()))
		case <-time.After(r.pollInterval):
		}
	}
}

// Fetch returns the open step's data.
func (r *FileReader) Fetch() (StepData, error) {
	if !r.open {
		return StepData{}, errs.New("stream/file", errs.KindInternal, errs.WithMessage("fetch outside open step"))
	}
	return r.data, nil
}

// EndStep closes the open step.
func (r *FileReader) EndStep() error {
	r.open = false
	return nil
}

// Close releases the reader.
func (r *FileReader) Close() error { return nil }

// parseAttributeDict splits the flat attribute dictionary into the typed
// id→name maps. Keys follow the "timer <id>" / "event_type <id>" /
// "counter <id>" convention; unrecognised keys are ignored.
func parseAttributeDict(dict map[string]string) Attributes {
	attrs := NewAttributes()
	for key, name := range dict {
		var id uint64
		switch {
		case scanKey(key, "timer %d", &id):
			attrs.Timers[id] = name
		case scanKey(key, "event_type %d", &id):
			attrs.EventTypes[id] = name
		case scanKey(key, "counter %d", &id):
			attrs.Counters[id] = name
		}
	}
	return attrs
}

func scanKey(key, format string, id *uint64) bool {
	n, err := fmt.Sscanf(key, format, id)
	return err == nil && n == 1
}
