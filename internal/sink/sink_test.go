package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func rawRecords(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		out = append(out, json.RawMessage(v))
	}
	return out
}

func TestFileStoreWritesPerStepFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, 0, 3)
	require.NoError(t, err)

	batch := Batch{Kind: KindAnomalies, Step: 7, Records: rawRecords(`{"a":1}`, `{"a":2}`)}
	require.NoError(t, store.Write(context.Background(), batch))

	path := filepath.Join(dir, "0", "3", "7.anomalies.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var docs []map[string]int
	require.NoError(t, json.Unmarshal(raw, &docs))
	require.Len(t, docs, 2)
	require.Equal(t, 1, docs[0]["a"])
	require.Equal(t, 2, docs[1]["a"])

	// A second write for the same step extends the file.
	require.NoError(t, store.Write(context.Background(), Batch{Kind: KindAnomalies, Step: 7, Records: rawRecords(`{"a":3}`)}))
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &docs))
	require.Len(t, docs, 3)
}

type recordingStore struct {
	mu      sync.Mutex
	batches []Batch
	fail    bool
	delay   time.Duration
}

func (r *recordingStore) Write(_ context.Context, batch Batch) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("store unavailable")
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingStore) Close() error { return nil }

func (r *recordingStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestAsyncSinkDeliversAndDrains(t *testing.T) {
	store := &recordingStore{delay: 10 * time.Millisecond}
	s := NewAsyncSink(AsyncConfig{Workers: 2, QueueSize: 16}, nil, store)
	defer s.Close()

	for step := 0; step < 5; step++ {
		require.NoError(t, s.Send(Batch{Kind: KindAnomalies, Step: step, Records: rawRecords(`{}`)}))
	}
	require.NoError(t, s.Drain(time.Now().Add(5*time.Second)))
	require.Equal(t, 5, store.count())
	require.Zero(t, s.Pending())
}

func TestAsyncSinkBestEffortOnFailure(t *testing.T) {
	store := &recordingStore{fail: true}
	s := NewAsyncSink(AsyncConfig{Workers: 1, QueueSize: 4}, nil, store)
	defer s.Close()

	require.NoError(t, s.Send(Batch{Kind: KindMetadata, Step: 0, Records: rawRecords(`{}`)}))
	require.NoError(t, s.Drain(time.Now().Add(2*time.Second)))
}

func TestAsyncSinkPreservesOrderWithinBatch(t *testing.T) {
	store := &recordingStore{}
	s := NewAsyncSink(AsyncConfig{Workers: 4, QueueSize: 16}, nil, store)
	defer s.Close()

	records := rawRecords(`{"seq":0}`, `{"seq":1}`, `{"seq":2}`)
	require.NoError(t, s.Send(Batch{Kind: KindAnomalies, Step: 1, Records: records}))
	require.NoError(t, s.Drain(time.Now().Add(2*time.Second)))

	require.Equal(t, 1, store.count())
	require.Equal(t, records, store.batches[0].Records)
}

func TestAsyncSinkQueueFullDropsBatch(t *testing.T) {
	store := &recordingStore{delay: 200 * time.Millisecond}
	s := NewAsyncSink(AsyncConfig{Workers: 1, QueueSize: 1}, nil, store)
	defer s.Close()

	var sawDrop bool
	for i := 0; i < 50; i++ {
		if err := s.Send(Batch{Kind: KindAnomalies, Step: i, Records: rawRecords(`{}`)}); err != nil {
			sawDrop = true
			break
		}
	}
	require.True(t, sawDrop)
}

func TestMarshalRecords(t *testing.T) {
	type doc struct {
		Name string `json:"name"`
	}
	records, err := MarshalRecords([]doc{{Name: "a"}, {Name: "b"}})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.JSONEq(t, `{"name":"a"}`, string(records[0]))
}
