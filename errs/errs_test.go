package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorRendering(t *testing.T) {
	cause := errors.New("socket closed")
	err := New("psnet/client", KindTransientIO,
		WithMessage("send failed"),
		WithField("rank", "3"),
		WithCause(cause))

	msg := err.Error()
	require.Contains(t, msg, "component=psnet/client")
	require.Contains(t, msg, "kind=transient_io")
	require.Contains(t, msg, `message="send failed"`)
	require.Contains(t, msg, `rank="3"`)
	require.Contains(t, msg, `cause="socket closed"`)
	require.ErrorIs(t, err, cause)
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{New("execution", KindInvalidInput), KindInvalidInput},
		{fmt.Errorf("wrapped: %w", New("sink", KindTransientIO)), KindTransientIO},
		{errors.New("plain"), KindInternal},
	}
	for _, c := range cases {
		require.Equal(t, c.want, KindOf(c.err))
	}
}

func TestRecoverable(t *testing.T) {
	require.True(t, Recoverable(New("execution", KindInvalidInput)))
	require.True(t, Recoverable(New("sink", KindTransientIO)))
	require.True(t, Recoverable(New("execution", KindInternal)))
	require.False(t, Recoverable(New("stream", KindFatalIO)))
	require.False(t, Recoverable(New("config", KindConfig)))
}
