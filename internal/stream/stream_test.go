package stream

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perfstream/anomalyd/errs"
)

func TestMemoryReaderReplaysSteps(t *testing.T) {
	reader := NewMemoryReader([]StepData{
		{Step: 0, FuncData: [][]uint64{{0, 0, 0, 0, 12, 100}}},
		{Step: 1},
	})

	step, err := reader.BeginStep(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, step)

	data, err := reader.Fetch()
	require.NoError(t, err)
	require.Len(t, data.FuncData, 1)
	require.NoError(t, reader.EndStep())

	step, err = reader.BeginStep(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, step)
	require.NoError(t, reader.EndStep())

	_, err = reader.BeginStep(context.Background(), time.Second)
	require.Error(t, err)
	require.Equal(t, errs.KindFatalIO, errs.KindOf(err))
}

func TestFileReaderReadsStepDocuments(t *testing.T) {
	dir := t.TempDir()
	doc := `{
  "step": 0,
  "func_data": [[0, 0, 0, 0, 12, 100], [0, 0, 0, 1, 12, 150]],
  "counter_data": [[0, 0, 0, 7, 42, 120]],
  "attributes": {
    "timer 12": "compute",
    "event_type 0": "ENTRY",
    "event_type 1": "EXIT",
    "counter 7": "bytes allocated"
  },
  "metadata": [{"rid": 0, "tid": 9, "descr": "CUDA Device", "value": "1"}]
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trace.step.0.json"), []byte(doc), 0o644))

	reader := NewFileReader(dir, "trace")
	step, err := reader.BeginStep(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, step)

	data, err := reader.Fetch()
	require.NoError(t, err)
	require.Len(t, data.FuncData, 2)
	require.Len(t, data.CounterData, 1)
	require.Equal(t, "compute", data.Attributes.Timers[12])
	require.Equal(t, "ENTRY", data.Attributes.EventTypes[0])
	require.Equal(t, "bytes allocated", data.Attributes.Counters[7])
	require.Len(t, data.Metadata, 1)
	require.Equal(t, "CUDA Device", data.Metadata[0].Key)
	require.NoError(t, reader.EndStep())

	// No second step: the begin-step timeout is a clean end of stream.
	_, err = reader.BeginStep(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, errs.KindFatalIO, errs.KindOf(err))
}

func TestAttributesMergeIsGrowOnly(t *testing.T) {
	attrs := NewAttributes()
	attrs.Timers[1] = "first"

	incoming := NewAttributes()
	incoming.Timers[1] = "renamed"
	incoming.Timers[2] = "second"
	attrs.MergeFrom(incoming)

	require.Equal(t, "first", attrs.Timers[1])
	require.Equal(t, "second", attrs.Timers[2])
}
