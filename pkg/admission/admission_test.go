package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbshard/multishard/pkg/mqerrors"
)

func TestMakePermitRespectsInFlightCap(t *testing.T) {
	sem := NewSemaphore("t", 1, 1<<20)

	p1, err := sem.MakePermit(context.Background(), "first", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, sem.InFlight())

	_, err = sem.MakePermit(context.Background(), "second", time.Now().Add(5*time.Millisecond))
	require.Error(t, err)
	require.ErrorIs(t, err, mqerrors.ErrTimeout)

	p1.Release()
	require.Equal(t, 0, sem.InFlight())

	p2, err := sem.MakePermit(context.Background(), "third", time.Time{})
	require.NoError(t, err)
	p2.Release()
}

func TestMakePermitDeniesOnZeroCapacitySemaphore(t *testing.T) {
	sem := NewSemaphore("t", 0, 1<<20)
	_, err := sem.MakePermit(context.Background(), "x", time.Time{})
	require.Error(t, err)
	require.ErrorIs(t, err, mqerrors.ErrAdmissionDenied)
}

func TestPermitReleaseIsIdempotent(t *testing.T) {
	sem := NewSemaphore("t", 2, 1<<20)
	p, err := sem.MakePermit(context.Background(), "x", time.Time{})
	require.NoError(t, err)

	p.Release()
	p.Release()
	require.Equal(t, 0, sem.InFlight())
}

func TestBillEnforcesMaxResultSize(t *testing.T) {
	sem := NewSemaphore("t", 2, 1<<20)
	p, err := sem.MakePermit(context.Background(), "x", time.Time{})
	require.NoError(t, err)
	defer p.Release()

	p.SetMaxResultSize(100)
	require.NoError(t, p.Bill(60))
	require.Equal(t, int64(60), p.BilledBytes())
	require.Equal(t, int64(60), sem.BytesInFlight())

	err = p.Bill(50)
	require.ErrorIs(t, err, mqerrors.ErrResultTooLarge)
	// The cap-exceeding bill must not have been applied.
	require.Equal(t, int64(60), p.BilledBytes())
}

func TestInactiveRegistryEviction(t *testing.T) {
	sem := NewSemaphore("t", 2, 1<<20)
	handle := sem.RegisterInactive("parked-reader")

	ok := sem.Evict(handle)
	require.True(t, ok)

	_, found := sem.UnregisterInactive(handle)
	require.False(t, found)
}

func TestInactiveRegistryRoundTrip(t *testing.T) {
	sem := NewSemaphore("t", 2, 1<<20)
	handle := sem.RegisterInactive("parked-reader")

	reader, found := sem.UnregisterInactive(handle)
	require.True(t, found)
	require.Equal(t, "parked-reader", reader)

	// Second unregister of the same handle finds nothing: it was
	// already removed.
	_, found = sem.UnregisterInactive(handle)
	require.False(t, found)
}
