package execution

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perfstream/anomalyd/internal/schema"
)

func testManager() *Manager {
	return NewManager(Options{
		Rank: 0,
		FuncNames: map[uint64]string{
			12: "compute", 13: "pack", 100: "cudaLaunchKernel", 200: "kernel",
		},
		CounterNames: map[uint64]string{7: "bytes allocated", 99: "Correlation ID"},
		IsGPUThread:  func(tid uint64) bool { return tid == 1 },
	})
}

func entry(tid, fid, ts uint64) schema.Event {
	return schema.Event{Kind: schema.KindEntry, Thread: tid, FuncID: fid, Timestamp: ts}
}

func exit(tid, fid, ts uint64) schema.Event {
	return schema.Event{Kind: schema.KindExit, Thread: tid, FuncID: fid, Timestamp: ts}
}

func counter(tid, cid, value, ts uint64) schema.Event {
	return schema.Event{Kind: schema.KindCounter, Thread: tid, CounterID: cid, Value: value, Timestamp: ts}
}

func send(tid, partner, bytes, ts uint64) schema.Event {
	return schema.Event{Kind: schema.KindSend, Thread: tid, Partner: partner, Bytes: bytes, Timestamp: ts}
}

func feed(t *testing.T, m *Manager, events ...schema.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, m.AddEvent(e))
	}
}

func TestNestedIntervalsWithCounters(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	feed(t, m,
		entry(0, 12, 100),
		entry(0, 13, 110),
		counter(0, 7, 42, 115),
		exit(0, 13, 120),
		exit(0, 12, 130),
	)

	view := m.ExecView()
	require.Len(t, view[12], 1)
	require.Len(t, view[13], 1)

	outer := view[12][0]
	inner := view[13][0]

	require.Empty(t, outer.Counters)
	require.Len(t, outer.Children, 1)
	require.Equal(t, inner.ID, outer.Children[0])
	require.Equal(t, outer.ID, inner.Parent)

	require.Len(t, inner.Counters, 1)
	require.Equal(t, uint64(42), inner.Counters[0].Value)
	require.Equal(t, uint64(115), inner.Counters[0].Timestamp)

	require.Equal(t, uint64(30), outer.Inclusive())
	require.Equal(t, uint64(20), outer.Exclusive())
	require.Equal(t, uint64(10), inner.Inclusive())
	require.Equal(t, uint64(10), inner.Exclusive())

	// Interval invariants.
	for _, x := range []*schema.Execution{outer, inner} {
		require.LessOrEqual(t, x.Entry, x.Exit)
		for _, c := range x.Counters {
			require.GreaterOrEqual(t, c.Timestamp, x.Entry)
			require.LessOrEqual(t, c.Timestamp, x.Exit)
		}
	}
}

func TestExitMismatchIsRecoverable(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	feed(t, m, entry(0, 12, 100))

	err := m.AddEvent(exit(0, 13, 110))
	require.Error(t, err)

	// The pop was abandoned; the matching exit still closes the interval.
	require.NoError(t, m.AddEvent(exit(0, 12, 120)))
	view := m.ExecView()
	require.Len(t, view[12], 1)
	require.Equal(t, uint64(120), view[12][0].Exit)
}

func TestMessageWithEmptyStackDropped(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	err := m.AddEvent(send(0, 1, 512, 100))
	require.Error(t, err)
}

func TestMessagesAttachToInnermost(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	feed(t, m,
		entry(0, 12, 100),
		entry(0, 13, 110),
		send(0, 3, 2048, 115),
		exit(0, 13, 120),
		exit(0, 12, 130),
	)
	view := m.ExecView()
	require.Len(t, view[13][0].Messages, 1)
	require.Empty(t, view[12][0].Messages)
}

func TestCorrelationIDPairing(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	feed(t, m,
		// CPU-side launch on thread 0.
		entry(0, 100, 200),
		counter(0, 99, 999, 205),
		exit(0, 100, 210),
		// GPU-side execution on thread 1.
		entry(1, 200, 220),
		counter(1, 99, 999, 225),
		exit(1, 200, 300),
	)

	view := m.ExecView()
	cpu := view[100][0]
	gpu := view[200][0]

	require.True(t, gpu.GPU)
	require.False(t, cpu.GPU)
	require.Equal(t, []schema.ExecID{cpu.ID}, gpu.CorrPartners)
	require.Equal(t, []schema.ExecID{gpu.ID}, cpu.CorrPartners)
	require.Empty(t, m.UnmatchedCorrelationIDs())
}

func TestCorrelationIDUnmatchedDrain(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	feed(t, m,
		entry(0, 100, 200),
		counter(0, 99, 777, 205),
		exit(0, 100, 210),
	)
	unmatched := m.DrainUnmatched()
	require.Len(t, unmatched, 1)
	_, ok := unmatched[777]
	require.True(t, ok)
}

func TestCorrelationIgnoredFunctions(t *testing.T) {
	m := NewManager(Options{
		Rank:                   0,
		FuncNames:              map[uint64]string{100: "cudaLaunchKernel"},
		CounterNames:           map[uint64]string{99: "Correlation ID"},
		IgnoreCorrelationFuncs: map[string]struct{}{"cudaLaunchKernel": {}},
	})
	m.BeginStep(0)
	feed(t, m,
		entry(0, 100, 200),
		counter(0, 99, 999, 205),
		exit(0, 100, 210),
	)
	view := m.ExecView()
	require.Empty(t, view[100][0].CorrelationIDs)
	require.Empty(t, m.DrainUnmatched())
}

func TestIgnoredCountersNotAttached(t *testing.T) {
	m := NewManager(Options{
		Rank:          0,
		FuncNames:     map[uint64]string{12: "compute"},
		CounterNames:  map[uint64]string{7: "cpu: user time"},
		IgnoreCounter: func(cid uint64) bool { return cid == 7 },
	})
	m.BeginStep(0)
	feed(t, m,
		entry(0, 12, 100),
		counter(0, 7, 55, 105),
		exit(0, 12, 110),
	)
	require.Empty(t, m.ExecView()[12][0].Counters)
}

func TestCallWindow(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	for i := uint64(0); i < 10; i++ {
		feed(t, m,
			entry(0, 12, 100+i*10),
			exit(0, 12, 105+i*10),
		)
	}
	list := m.callList[0]
	require.Len(t, list, 10)

	window, err := m.CallWindow(list[5], 2)
	require.NoError(t, err)
	// Two preceding, the target, and three following.
	require.Len(t, window, 6)
	require.Equal(t, list[3], window[0].ID)
	require.Equal(t, list[8], window[5].ID)

	// Window clipped at the front.
	window, err = m.CallWindow(list[0], 3)
	require.NoError(t, err)
	require.Len(t, window, 5)
}

func TestPurgeRetainsWindowAndReferences(t *testing.T) {
	m := testManager()
	for step := 0; step < 2; step++ {
		m.BeginStep(step)
		for i := uint64(0); i < 10; i++ {
			base := uint64(step)*1000 + i*10
			feed(t, m,
				entry(0, 12, base+1),
				exit(0, 12, base+5),
			)
		}
	}
	for _, view := range m.ExecView() {
		for _, x := range view {
			x.Label = schema.LabelNormal
		}
	}
	first := m.callList[0][0]

	report := m.PurgeCallList(3)
	require.Equal(t, 3, report.KeptWindow)
	require.Equal(t, 17, report.Purged)
	require.Zero(t, report.KeptIncomplete)

	_, live := m.Lookup(first)
	require.False(t, live)
	require.Equal(t, 3, m.CallListSize())
}

func TestPurgeWindowKeepsParentDropsChildren(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	// A parent with many children: the parent closes last, so after closing
	// it sits at the end of the call list; its children earlier. Retain a
	// window of 1 and check that only the parent survives.
	feed(t, m, entry(0, 12, 0))
	for i := uint64(0); i < 5; i++ {
		feed(t, m,
			entry(0, 13, 10+i*10),
			exit(0, 13, 15+i*10),
		)
	}
	feed(t, m, exit(0, 12, 100))
	for _, view := range m.ExecView() {
		for _, x := range view {
			x.Label = schema.LabelNormal
		}
	}

	report := m.PurgeCallList(1)
	// The window keeps the parent (last closed); the children are purged.
	require.Equal(t, 1, report.KeptWindow)
	require.Equal(t, 5, report.Purged)
}

func TestPurgeProtectsCorrelationPartners(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	feed(t, m,
		entry(0, 100, 200),
		counter(0, 99, 999, 205),
		exit(0, 100, 210),
	)
	// Fill thread 0 so the CPU execution falls outside the window.
	for i := uint64(0); i < 5; i++ {
		feed(t, m,
			entry(0, 12, 300+i*10),
			exit(0, 12, 305+i*10),
		)
	}
	// GPU partner still open on thread 1 when the purge runs.
	feed(t, m,
		entry(1, 200, 220),
		counter(1, 99, 999, 225),
	)
	for _, view := range m.ExecView() {
		for _, x := range view {
			x.Label = schema.LabelNormal
		}
	}

	report := m.PurgeCallList(2)
	require.Equal(t, 1, report.KeptIncomplete)
	require.Equal(t, 1, report.KeptProtected)

	// The CPU-side partner survived because the open GPU execution
	// references it.
	gpu := m.stacks[1][0]
	require.Len(t, gpu.CorrPartners, 1)
	_, live := m.Lookup(gpu.CorrPartners[0])
	require.True(t, live)
}

func TestOpenIntervalStaysOpenAtStreamEnd(t *testing.T) {
	m := testManager()
	m.BeginStep(0)
	feed(t, m, entry(0, 12, 100))

	require.Equal(t, 1, m.OpenCount())
	require.Empty(t, m.ExecView())
}
