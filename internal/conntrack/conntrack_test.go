package conntrack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnterExit_TracksInFlightCount(t *testing.T) {
	tr := New()
	require.True(t, tr.Enter())
	require.True(t, tr.Enter())
	assert.EqualValues(t, 2, tr.InFlight())

	tr.Exit()
	assert.EqualValues(t, 1, tr.InFlight())
}

func TestEnter_RejectsAfterDrainStarted(t *testing.T) {
	tr := New()
	require.True(t, tr.Enter())
	tr.Exit()

	go func() {
		tr.Drain(context.Background(), time.Second)
	}()
	time.Sleep(5 * time.Millisecond)

	assert.False(t, tr.Enter())
	assert.True(t, tr.Draining())
}

func TestDrain_ReturnsTrueOnceInFlightReachesZero(t *testing.T) {
	tr := New()
	require.True(t, tr.Enter())

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.Exit()
	}()

	drained := tr.Drain(context.Background(), time.Second)
	assert.True(t, drained)
	assert.EqualValues(t, 0, tr.InFlight())
}

func TestDrain_ReturnsFalseOnDeadlineExceeded(t *testing.T) {
	tr := New()
	require.True(t, tr.Enter())

	drained := tr.Drain(context.Background(), 20*time.Millisecond)
	assert.False(t, drained)
	assert.EqualValues(t, 1, tr.InFlight())
}

func TestDrain_NoInFlightReturnsImmediately(t *testing.T) {
	tr := New()
	assert.True(t, tr.Drain(context.Background(), time.Second))
}
