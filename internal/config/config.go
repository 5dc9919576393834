package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// PeerNotifyStrategy selects how confirmed writes reach other participants.
type PeerNotifyStrategy string

const (
	// NotifyBroadcast publishes events on the conversation channel.
	NotifyBroadcast PeerNotifyStrategy = "broadcast"
	// NotifyPolling publishes nothing; peers rely on periodic reloads.
	NotifyPolling PeerNotifyStrategy = "polling"
)

type Config struct {
	DBFile    string
	RelayAddr string
	BlobPath  string

	// Per-call timeouts. The underlying transports have no intrinsic
	// timeout, so every remote call is capped.
	ProbeTimeout   time.Duration
	FetchTimeout   time.Duration
	WriteTimeout   time.Duration
	PublishTimeout time.Duration
	UploadTimeout  time.Duration

	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration
	ConnCheckInterval time.Duration
	TypingDebounce    time.Duration
	TypingTTL         time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	ConversationCacheTTL time.Duration
	MessageCacheTTL      time.Duration
	CacheMaxEntries      int

	AutoMarkAsRead bool
	NotifyStrategy PeerNotifyStrategy

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushContact     string
}

func Load() (*Config, error) {
	cfg := &Config{
		DBFile:    getEnv("VESTNIK_DB", "vestnik.db"),
		RelayAddr: getEnv("RELAY_ADDR", ":8090"),
		BlobPath:  getEnv("BLOB_PATH", "blobs"),

		AutoMarkAsRead: getEnvBool("AUTO_MARK_READ", true),
		NotifyStrategy: PeerNotifyStrategy(getEnv("NOTIFY_STRATEGY", string(NotifyBroadcast))),

		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 50),

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		PushContact:     getEnv("PUSH_CONTACT", "mailto:ops@vestnik.local"),
	}

	durations := []struct {
		dst      *time.Duration
		key      string
		fallback string
	}{
		{&cfg.ProbeTimeout, "PROBE_TIMEOUT", "3s"},
		{&cfg.FetchTimeout, "FETCH_TIMEOUT", "10s"},
		{&cfg.WriteTimeout, "WRITE_TIMEOUT", "5s"},
		{&cfg.PublishTimeout, "PUBLISH_TIMEOUT", "3s"},
		{&cfg.UploadTimeout, "UPLOAD_TIMEOUT", "60s"},
		{&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", "60s"},
		{&cfg.ReconcileInterval, "RECONCILE_INTERVAL", "120s"},
		{&cfg.ConnCheckInterval, "CONN_CHECK_INTERVAL", "15s"},
		{&cfg.TypingDebounce, "TYPING_DEBOUNCE", "3s"},
		{&cfg.TypingTTL, "TYPING_TTL", "5s"},
		{&cfg.ReconnectBaseDelay, "RECONNECT_BASE_DELAY", "1s"},
		{&cfg.ReconnectMaxDelay, "RECONNECT_MAX_DELAY", "30s"},
		{&cfg.ConversationCacheTTL, "CONVERSATION_CACHE_TTL", "5m"},
		{&cfg.MessageCacheTTL, "MESSAGE_CACHE_TTL", "2m"},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.NotifyStrategy != NotifyBroadcast && c.NotifyStrategy != NotifyPolling {
		return fmt.Errorf("NOTIFY_STRATEGY must be %q or %q", NotifyBroadcast, NotifyPolling)
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect delays invalid: base=%s max=%s", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	if c.TypingTTL < c.TypingDebounce {
		return fmt.Errorf("TYPING_TTL must be at least TYPING_DEBOUNCE")
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
