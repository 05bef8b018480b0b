package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTextLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTextLogger(&buf, 3, false)

	logger.Info("commencing step", Field{Key: "step", Value: 7})
	logger.Debug("hidden", Field{Key: "x", Value: 1})

	out := buf.String()
	require.Contains(t, out, "INFO")
	require.Contains(t, out, "rank=3")
	require.Contains(t, out, `msg="commencing step"`)
	require.Contains(t, out, "step=7")
	require.NotContains(t, out, "hidden")

	debugLogger := NewTextLogger(&buf, 3, true)
	debugLogger.Debug("visible")
	require.Contains(t, buf.String(), "visible")
}

func TestErrorLogCounts(t *testing.T) {
	prev := Log()
	SetLogger(nil)
	defer SetLogger(prev)

	log := NewErrorLog()
	observed := 0
	log.SetObserver(func() { observed++ })

	log.Record("execution", errors.New("exit mismatch"))
	log.Record("execution", errors.New("exit mismatch"))
	log.Record("sink", errors.New("send failed"))
	log.Record("sink", nil)

	require.Equal(t, uint64(3), log.Total())
	require.Equal(t, 3, observed)
	counts := log.Counts()
	require.Equal(t, uint64(2), counts["execution"])
	require.Equal(t, uint64(1), counts["sink"])
}

func TestAggregateErrors(t *testing.T) {
	require.NoError(t, AggregateErrors("noop", nil))
	require.NoError(t, AggregateErrors("noop", []error{nil, nil}))

	err := AggregateErrors("fan-out", []error{errors.New("a"), nil, errors.New("b")})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "fan-out failed"))
}
