package extraction

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFailureMatchesSentinel(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	f := Wrap(KindSandboxFault, cause)
	wrapped := fmt.Errorf("extract: %w", f)

	require.ErrorIs(t, wrapped, ErrSandboxFault)
	require.ErrorIs(t, wrapped, cause)
	require.NotErrorIs(t, wrapped, ErrResourceLimit)
	require.Equal(t, "sandbox_fault: boom", f.Error())
}

func TestOutcomeErr(t *testing.T) {
	t.Parallel()

	ok := Succeeded(Document{URL: "https://example.com"})
	require.True(t, ok.OK())
	require.NoError(t, ok.Err())

	failed := Failed(NewFailure(KindCircuitOpen, "rejected"))
	require.False(t, failed.OK())
	require.ErrorIs(t, failed.Err(), ErrCircuitOpen)
}

func TestKindClassification(t *testing.T) {
	t.Parallel()

	require.True(t, KindConversion.Alarming())
	require.True(t, KindUnsupported.Alarming())
	require.False(t, KindSandboxFault.Alarming())
	require.False(t, KindInvalidInput.Retryable())
	require.True(t, KindCapacityExceeded.Retryable())
}
