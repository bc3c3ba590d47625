package periodic_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agkyra/archivesync/internal/periodic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerRunsImmediatelyThenOnInterval(t *testing.T) {
	var calls atomic.Int64

	w := periodic.New(10*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	remaining := w.Stop(time.Second)
	require.Positive(t, remaining)
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	w := periodic.New(time.Hour, func(ctx context.Context) {}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	w.Stop(time.Second)
	require.NotPanics(t, func() { w.Stop(time.Second) })
}
