package synerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agkyra/archivesync/internal/synerr"
)

func TestIsBusyMatchesAllThreeSentinels(t *testing.T) {
	require.True(t, synerr.IsBusy(synerr.ErrOpenBusy))
	require.True(t, synerr.IsBusy(synerr.ErrChangedBusy))
	require.True(t, synerr.IsBusy(synerr.ErrNotStableBusy))
	require.False(t, synerr.IsBusy(synerr.ErrSync))
	require.False(t, synerr.IsBusy(nil))
}

func TestIsBusyMatchesWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("staging failed: %w", synerr.ErrOpenBusy)
	require.True(t, synerr.IsBusy(wrapped))
}

func TestHardSyncErrorUnwrapsToSentinel(t *testing.T) {
	err := synerr.NewCollisionError("a.txt", 7)

	require.True(t, errors.Is(err, synerr.ErrCollisionSentinel))
	require.True(t, synerr.IsHard(err))
	require.Contains(t, err.Error(), "a.txt")
	require.Contains(t, err.Error(), "7")
}

func TestIsHardFalseForPlainSentinel(t *testing.T) {
	require.False(t, synerr.IsHard(synerr.ErrConflict))
	require.False(t, synerr.IsHard(nil))
}

func TestIsHardTrueThroughWrapping(t *testing.T) {
	hard := synerr.NewCollisionError("b.txt", 1)
	wrapped := fmt.Errorf("sync worker: %w", hard)

	require.True(t, synerr.IsHard(wrapped))
}

func TestDatabaseErrorUnwrapsToBusy(t *testing.T) {
	err := &synerr.DatabaseError{Op: "PutState", Err: synerr.ErrDatabaseBusy}

	require.True(t, errors.Is(err, synerr.ErrDatabaseBusy))
	require.Contains(t, err.Error(), "PutState")
}
