package messager_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agkyra/archivesync/internal/messager"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishAndNext(t *testing.T) {
	m := messager.New(4, testLogger())

	m.Publish(messager.Message{Kind: messager.KindUpdate, Name: "a.txt"})

	ctx := context.Background()

	msg, ok := m.Next(ctx)
	require.True(t, ok)
	require.Equal(t, messager.KindUpdate, msg.Kind)
	require.Equal(t, "a.txt", msg.Name)
}

func TestPublishDropsWhenFull(t *testing.T) {
	m := messager.New(1, testLogger())

	m.Publish(messager.Message{Kind: messager.KindUpdate, Name: "a.txt"})
	m.Publish(messager.Message{Kind: messager.KindUpdate, Name: "b.txt"}) // dropped, channel full

	require.Equal(t, int64(1), m.Dropped())

	ctx := context.Background()

	msg, ok := m.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "a.txt", msg.Name)
}

func TestNextReturnsFalseOnCanceledContext(t *testing.T) {
	m := messager.New(1, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := m.Next(ctx)
	require.False(t, ok)
}

func TestDrainReturnsAllBuffered(t *testing.T) {
	m := messager.New(4, testLogger())

	m.Publish(messager.Message{Kind: messager.KindUpdate, Name: "a.txt"})
	m.Publish(messager.Message{Kind: messager.KindSync, Name: "b.txt"})

	msgs := m.Drain()
	require.Len(t, msgs, 2)
}
