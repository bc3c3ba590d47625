package archive_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agkyra/archivesync/internal/archive"
)

func TestInfoEmptyAndAbsent(t *testing.T) {
	var info archive.Info
	require.True(t, info.Empty())

	state := archive.FileState{Name: "a.txt", Info: info}
	require.True(t, state.Absent())

	state.Info = archive.Info{archive.InfoLocalType: archive.TypeFile}
	require.False(t, state.Absent())
}

func TestInfoCloneIsIndependent(t *testing.T) {
	a := archive.Info{archive.InfoLocalType: archive.TypeFile, archive.InfoLocalSize: int64(5)}
	b := a.Clone()

	b[archive.InfoLocalSize] = int64(99)

	require.Equal(t, int64(5), a[archive.InfoLocalSize])
	require.Equal(t, int64(99), b[archive.InfoLocalSize])
}

func TestCloneOfNilIsNil(t *testing.T) {
	var a archive.Info
	require.Nil(t, a.Clone())
}

func TestEqualBothAbsent(t *testing.T) {
	require.True(t, archive.Equal(nil, archive.Info{}, 1e-4))
}

func TestEqualOneAbsentOneNot(t *testing.T) {
	present := archive.Info{archive.InfoLocalType: archive.TypeFile}
	require.False(t, archive.Equal(present, archive.Info{}, 1e-4))
}

func TestEqualLocalFileWithinMtimeTolerance(t *testing.T) {
	a := archive.Info{archive.InfoLocalType: archive.TypeFile, archive.InfoLocalMtime: 100.00001, archive.InfoLocalSize: int64(10)}
	b := archive.Info{archive.InfoLocalType: archive.TypeFile, archive.InfoLocalMtime: 100.00002, archive.InfoLocalSize: int64(10)}

	require.True(t, archive.Equal(a, b, 1e-4))
}

func TestEqualLocalFileOutsideMtimeTolerance(t *testing.T) {
	a := archive.Info{archive.InfoLocalType: archive.TypeFile, archive.InfoLocalMtime: 100.0, archive.InfoLocalSize: int64(10)}
	b := archive.Info{archive.InfoLocalType: archive.TypeFile, archive.InfoLocalMtime: 101.0, archive.InfoLocalSize: int64(10)}

	require.False(t, archive.Equal(a, b, 1e-4))
}

func TestEqualLocalFileDifferentSize(t *testing.T) {
	a := archive.Info{archive.InfoLocalType: archive.TypeFile, archive.InfoLocalMtime: 100.0, archive.InfoLocalSize: int64(10)}
	b := archive.Info{archive.InfoLocalType: archive.TypeFile, archive.InfoLocalMtime: 100.0, archive.InfoLocalSize: int64(11)}

	require.False(t, archive.Equal(a, b, 1e-4))
}

func TestEqualLocalDirAlwaysEqualRegardlessOfMtime(t *testing.T) {
	a := archive.Info{archive.InfoLocalType: archive.TypeDir, archive.InfoLocalMtime: 1.0}
	b := archive.Info{archive.InfoLocalType: archive.TypeDir, archive.InfoLocalMtime: 999.0}

	require.True(t, archive.Equal(a, b, 1e-4))
}

func TestEqualLocalTypeMismatch(t *testing.T) {
	a := archive.Info{archive.InfoLocalType: archive.TypeFile, archive.InfoLocalMtime: 1.0, archive.InfoLocalSize: int64(1)}
	b := archive.Info{archive.InfoLocalType: archive.TypeDir, archive.InfoLocalMtime: 1.0}

	require.False(t, archive.Equal(a, b, 1e-4))
}

func TestEqualRemoteMatchesOnTypeAndETag(t *testing.T) {
	a := archive.Info{archive.InfoRemoteType: archive.TypeFile, archive.InfoRemoteETag: "abc"}
	b := archive.Info{archive.InfoRemoteType: archive.TypeFile, archive.InfoRemoteETag: "abc"}

	require.True(t, archive.Equal(a, b, 1e-4))
}

func TestEqualRemoteDiffersOnETag(t *testing.T) {
	a := archive.Info{archive.InfoRemoteType: archive.TypeFile, archive.InfoRemoteETag: "abc"}
	b := archive.Info{archive.InfoRemoteType: archive.TypeFile, archive.InfoRemoteETag: "xyz"}

	require.False(t, archive.Equal(a, b, 1e-4))
}
