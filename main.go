package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vestnik/internal/blob"
	"vestnik/internal/config"
	"vestnik/internal/connmon"
	"vestnik/internal/engine"
	"vestnik/internal/models"
	"vestnik/internal/notify"
	"vestnik/internal/presence"
	"vestnik/internal/relay"
	"vestnik/internal/store"
	"vestnik/internal/transport"
)

func run(ctx context.Context, username string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if username == "" {
		return errors.New("a username is required, pass -user")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	st, err := store.NewBboltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	localUser, err := sessionUser(ctx, st, username)
	if err != nil {
		return err
	}

	blobs, err := blob.NewLocalStore(cfg.BlobPath)
	if err != nil {
		return err
	}

	relayServer := relay.NewServer(cfg.RelayAddr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := relayServer.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	tr, err := dialRelay(gCtx, cfg, logger)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		notifier = notify.NewWebPush(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushContact, logger)
	}

	tracker, err := presence.New(gCtx, presence.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		TypingDebounce:    cfg.TypingDebounce,
		TypingTTL:         cfg.TypingTTL,
		WriteTimeout:      cfg.WriteTimeout,
	}, st, tr, localUser, logger)
	if err != nil {
		return err
	}

	eng := engine.New(gCtx, engine.Config{
		FetchTimeout:         cfg.FetchTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		PublishTimeout:       cfg.PublishTimeout,
		UploadTimeout:        cfg.UploadTimeout,
		AutoMarkAsRead:       cfg.AutoMarkAsRead,
		ConversationCacheTTL: cfg.ConversationCacheTTL,
		MessageCacheTTL:      cfg.MessageCacheTTL,
		CacheMaxEntries:      cfg.CacheMaxEntries,
	}, engine.Deps{
		Store:     st,
		Transport: tr,
		Blobs:     blobs,
		Peers:     engine.NotifierFor(cfg.NotifyStrategy, cfg.PublishTimeout, logger),
		Notifier:  notifier,
		Typing:    tracker,
	}, localUser, logger)

	monitor := connmon.New(connmon.Config{
		Interval:     cfg.ConnCheckInterval,
		ProbeTimeout: cfg.ProbeTimeout,
	}, connmon.DefaultNetworkChecker, st, logger)
	monitor.OnChange(func(connected bool) {
		if !connected {
			return
		}
		// Back online: the replica may have missed broadcasts.
		rctx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout)
		defer cancel()
		if err := eng.LoadConversations(rctx); err != nil {
			logger.Warn("reload after reconnect failed", "error", err)
		}
		tracker.Reconcile(rctx)
	})

	g.Go(func() error { return tracker.Run(gCtx) })
	g.Go(func() error { return monitor.Run(gCtx) })

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		tracker.SetForeground(shutdownCtx, false)
		tracker.Close()
		eng.Close()
		if err := tr.Close(); err != nil {
			logger.Warn("transport close error", "error", err)
		}
		if err := relayServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("relay shutdown error", "error", err)
		}
		return nil
	})

	tracker.SetForeground(gCtx, true)
	if err := eng.LoadConversations(gCtx); err != nil {
		logger.Warn("initial conversation load failed", "error", err)
	}
	logger.Info("session started", "user", localUser.Username, "relay", cfg.RelayAddr)

	return g.Wait()
}

// sessionUser resolves the stable user row for this username, creating it on
// first run.
func sessionUser(ctx context.Context, st *store.BboltStore, username string) (models.User, error) {
	id := "user-" + username
	if u, err := st.FetchUser(ctx, id); err == nil {
		return u, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.User{}, err
	}
	u := models.User{
		ID:          id,
		Username:    username,
		DisplayName: username,
		AvatarURL:   "",
	}
	if err := st.UpsertUser(ctx, u); err != nil {
		return models.User{}, err
	}
	return u, nil
}

// dialRelay connects the transport to the in-process relay. The relay
// listener comes up concurrently, so the first dials may race it.
func dialRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*transport.WSTransport, error) {
	url := fmt.Sprintf("ws://%s/relay", relayHost(cfg.RelayAddr))
	backoff := connmon.NewBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		tr, err := transport.NewWSTransport(ctx, url, backoff, cfg.WriteTimeout, logger)
		if err == nil {
			return tr, nil
		}
		lastErr = err
		logger.Warn("relay dial failed", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff.Next()):
		}
	}
	return nil, fmt.Errorf("dial relay %s: %w", url, lastErr)
}

func relayHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

func main() {
	user := flag.String("user", "", "Username for this session (created on first run)")
	flag.Parse()

	if *user == "" {
		// A throwaway identity keeps a bare `vestnik` invocation usable.
		*user = "guest-" + uuid.NewString()[:8]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *user); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
