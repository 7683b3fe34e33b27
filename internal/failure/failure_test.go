package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	require.Equal(t, Fatal, KindOf(base))
	require.Equal(t, Transient, KindOf(Transient("dial", base)))
	require.Equal(t, Recoverable, KindOf(Recoverable("commit", base)))
	require.Equal(t, Fatal, KindOf(Fatal("declare", base)))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("session: %w", Transient("publish", errors.New("channel closed")))

	require.True(t, IsTransient(err))
	require.False(t, IsRecoverable(err))
	require.EqualError(t, err, "session: publish: channel closed")
}

func TestNilStaysNil(t *testing.T) {
	require.NoError(t, Transient("op", nil))
	require.False(t, IsTransient(nil))
	require.False(t, IsRecoverable(nil))
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("conn refused")
	err := Transient("connect", cause)

	require.ErrorIs(t, err, cause)
	require.Equal(t, "transient", KindOf(err).String())
}
