package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecIDStringRoundTrip(t *testing.T) {
	id := ExecID{Rank: 3, Step: 17, Index: 42}
	require.Equal(t, "3:17:42", id.String())

	back, err := ParseExecID("3:17:42")
	require.NoError(t, err)
	require.Equal(t, id, back)

	root, err := ParseExecID("root")
	require.NoError(t, err)
	require.True(t, root.IsRoot())
	require.Equal(t, "root", root.String())

	_, err = ParseExecID("3:17")
	require.Error(t, err)
	_, err = ParseExecID("a:b:c")
	require.Error(t, err)
}

func TestExecutionRuntimes(t *testing.T) {
	parent := NewExecution(ExecID{Rank: 0, Step: 0, Index: 0},
		Event{Kind: KindEntry, FuncID: 12, Timestamp: 100})
	require.False(t, parent.Closed())
	require.Zero(t, parent.Inclusive())

	parent.DeductChild(10)
	parent.Close(130)
	require.True(t, parent.Closed())
	require.Equal(t, uint64(30), parent.Inclusive())
	require.Equal(t, uint64(20), parent.Exclusive())
}

func TestExclusiveNeverUnderflows(t *testing.T) {
	x := NewExecution(ExecID{}, Event{Kind: KindEntry, Timestamp: 100})
	x.DeductChild(500)
	x.Close(110)
	require.Zero(t, x.Exclusive())
}

func TestLabelStrings(t *testing.T) {
	require.Equal(t, "unclassified", LabelUnclassified.String())
	require.Equal(t, "normal", LabelNormal.String())
	require.Equal(t, "outlier", LabelOutlier.String())
	require.Equal(t, "ENTRY", KindEntry.String())
	require.Equal(t, "COUNTER", KindCounter.String())
}
