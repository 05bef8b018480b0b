package aggregator

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/perfstream/anomalyd/internal/detector"
	"github.com/perfstream/anomalyd/internal/psnet"
	"github.com/perfstream/anomalyd/internal/stats"
	"github.com/perfstream/anomalyd/internal/summary"
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	store, err := detector.NewModelStore(detector.AlgorithmSSTD, 0)
	require.NoError(t, err)
	return New(store)
}

func TestHandleParametersMergesAndReplies(t *testing.T) {
	a := newAggregator(t)

	payload := []byte(`{"algorithm":"sstd","version":1,"functions":{"5":{"count":3,"mean":10,"m2":2,"min":9,"max":11}}}`)
	reply, err := a.Handle(psnet.Message{Type: psnet.TypeAdd, Kind: psnet.KindParameters, Step: 1, Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, psnet.KindParameters, reply.Kind)
	require.Contains(t, string(reply.Payload), `"5"`)

	// GET on parameters is rejected.
	_, err = a.Handle(psnet.Message{Type: psnet.TypeGet, Kind: psnet.KindParameters, Payload: payload})
	require.Error(t, err)
}

func TestHandleIndexMap(t *testing.T) {
	a := newAggregator(t)
	reply, err := a.Handle(psnet.Message{
		Type:    psnet.TypeGet,
		Kind:    psnet.KindFunctionIndexMap,
		Payload: json.RawMessage(`{"functions":{"12":"compute","13":"pack"}}`),
	})
	require.NoError(t, err)

	var parsed struct {
		Mapping map[string]uint64 `json:"mapping"`
	}
	require.NoError(t, json.Unmarshal(reply.Payload, &parsed))
	require.Len(t, parsed.Mapping, 2)
}

func TestCombinedStatsAccumulateAcrossRanks(t *testing.T) {
	a := newAggregator(t)

	send := func(rank uint64, step, outliers int, mean float64) {
		var inc stats.RunningStats
		inc.Push(mean)
		combined := summary.CombinedStats{
			FuncProfiles: []summary.FuncProfile{{FuncID: 12, Name: "compute", AnomalyCount: outliers, Inclusive: inc, Exclusive: inc}},
			Metrics:      summary.AnomalyMetrics{Rank: rank, Step: step, Outliers: outliers},
		}
		payload, err := combined.Marshal()
		require.NoError(t, err)
		reply, err := a.Handle(psnet.Message{Sender: rank, Type: psnet.TypeAdd, Kind: psnet.KindCombinedStats, Step: step, Payload: payload})
		require.NoError(t, err)
		require.Nil(t, reply)
	}

	send(0, 3, 2, 100)
	send(1, 3, 1, 300)

	snap := a.Snapshot()
	require.Equal(t, 3, snap.Anomalies)
	require.Len(t, snap.Functions, 1)
	require.Equal(t, 3, snap.Functions[0].AnomalyCount)
	require.Equal(t, uint64(2), snap.Functions[0].Exclusive.Count())
	require.InDelta(t, 200.0, snap.Functions[0].Exclusive.Mean(), 1e-12)
	require.Equal(t, 3, snap.RankLastStep[0])
	require.Equal(t, 3, snap.RankLastStep[1])

	raw, err := a.SnapshotJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"compute"`)
}
