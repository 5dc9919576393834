package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vestnik/internal/config"
	"vestnik/internal/connmon"
	"vestnik/internal/engine"
	"vestnik/internal/models"
	"vestnik/internal/relay"
	"vestnik/internal/store"
	"vestnik/internal/transport"
)

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond, "relay did not come up on %s", addr)
}

func newSession(t *testing.T, st *store.BboltStore, relayAddr string, user models.User) *engine.Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	backoff := connmon.NewBackoff(100*time.Millisecond, time.Second)
	tr, err := transport.NewWSTransport(ctx, "ws://"+relayAddr+"/relay", backoff, time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	return engine.New(ctx, engine.Config{}, engine.Deps{
		Store:     st,
		Transport: tr,
		Peers:     engine.NotifierFor(config.NotifyBroadcast, time.Second, logger),
	}, user, logger)
}

// TestIntegration runs two sessions against one relay and one database and
// walks the whole conversation lifecycle over real websockets.
func TestIntegration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	dbFile := filepath.Join(t.TempDir(), "integration.db")
	st, err := store.NewBboltStore(dbFile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	relayAddr := "127.0.0.1:8962"
	srv := relay.NewServer(relayAddr, logger)
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	waitForListener(t, relayAddr)

	ctx := context.Background()
	alice := models.User{ID: "user-alice", Username: "alice"}
	bob := models.User{ID: "user-bob", Username: "bob"}
	require.NoError(t, st.UpsertUser(ctx, alice))
	require.NoError(t, st.UpsertUser(ctx, bob))

	sender := newSession(t, st, relayAddr, alice)
	receiver := newSession(t, st, relayAddr, bob)

	// Alice starts the conversation; Bob finds the same one.
	convID, err := sender.CreateConversation(ctx, bob.ID)
	require.NoError(t, err)
	sameID, err := receiver.CreateConversation(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, convID, sameID)

	require.NoError(t, sender.OpenConversation(ctx, convID))
	require.NoError(t, receiver.OpenConversation(ctx, convID))
	// Give the relay a beat to register both subscriptions.
	time.Sleep(100 * time.Millisecond)

	// Send and receive.
	sent, err := sender.SendMessage(ctx, "Hello over the wire")
	require.NoError(t, err)
	require.False(t, sent.ID.Pending())

	require.Eventually(t, func() bool {
		msgs := receiver.Messages()
		return len(msgs) == 1 && msgs[0].Content == "Hello over the wire"
	}, 5*time.Second, 50*time.Millisecond, "message never reached the peer")
	require.Len(t, sender.Messages(), 1, "sender must not see its own broadcast twice")

	// Read receipt flows back to the sender.
	require.NoError(t, receiver.MarkAsRead(ctx, convID))
	require.Eventually(t, func() bool {
		msgs := sender.Messages()
		return len(msgs) == 1 && msgs[0].IsRead
	}, 5*time.Second, 50*time.Millisecond, "read receipt never arrived")

	// Deletion propagates as a tombstone.
	require.NoError(t, sender.DeleteMessage(ctx, sent.ID))
	require.Eventually(t, func() bool {
		msgs := receiver.Messages()
		return len(msgs) == 1 && msgs[0].IsDeleted && msgs[0].Content == models.DeletedPlaceholder
	}, 5*time.Second, 50*time.Millisecond, "deletion never propagated")

	// A fresh session loads the persisted state, tombstone included.
	late := newSession(t, st, relayAddr, bob)
	require.NoError(t, late.LoadConversations(ctx))
	require.NoError(t, late.OpenConversation(ctx, convID))
	msgs := late.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsDeleted)
}

// TestRunStartsAndStops exercises the daemon wiring end to end: run must
// come up, serve the relay, and exit cleanly on cancellation.
func TestRunStartsAndStops(t *testing.T) {
	dir := t.TempDir()
	relayAddr := "127.0.0.1:8963"
	t.Setenv("VESTNIK_DB", filepath.Join(dir, "run.db"))
	t.Setenv("RELAY_ADDR", relayAddr)
	t.Setenv("BLOB_PATH", filepath.Join(dir, "blobs"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, "smoketest") }()

	waitForListener(t, relayAddr)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not shut down")
	}
}
