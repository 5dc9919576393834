package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"vestnik/internal/models"
	"vestnik/internal/store"
	"vestnik/internal/transport"
)

type fakeStore struct {
	mu            sync.Mutex
	presenceCalls []bool
	presence      []models.PresenceUser
}

func (f *fakeStore) FetchConversations(context.Context, string) ([]models.Conversation, error) {
	return nil, nil
}

func (f *fakeStore) FetchConversationParticipants(context.Context, string) ([]models.User, error) {
	return nil, nil
}

func (f *fakeStore) FetchMessages(context.Context, string, string, int) ([]models.Message, error) {
	return nil, nil
}

func (f *fakeStore) InsertMessage(context.Context, store.InsertMessageInput) (models.Message, error) {
	return models.Message{}, nil
}

func (f *fakeStore) MarkRead(context.Context, string, string) (int, error) { return 0, nil }

func (f *fakeStore) SoftDeleteMessage(context.Context, string, string) error { return nil }

func (f *fakeStore) EditMessage(context.Context, string, string, string) error { return nil }

func (f *fakeStore) FindOrCreateConversation(context.Context, []string) (string, error) {
	return "", nil
}

func (f *fakeStore) UpdatePresence(_ context.Context, _ string, online bool, _ time.Time) error {
	f.mu.Lock()
	f.presenceCalls = append(f.presenceCalls, online)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) FetchPresence(context.Context) ([]models.PresenceUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PresenceUser(nil), f.presence...), nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var alice = models.User{ID: "alice", Username: "alice"}

func newTestTracker(t *testing.T, cfg Config, st store.RemoteStore, hub *transport.MemoryHub) *Tracker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tr, err := New(ctx, cfg, st, hub, alice, discard())
	if err != nil {
		t.Fatalf("New tracker failed: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func TestTracker_TypingExpiry(t *testing.T) {
	hub := transport.NewMemoryHub(discard())
	tr := newTestTracker(t, Config{TypingTTL: 80 * time.Millisecond, TypingDebounce: 40 * time.Millisecond}, &fakeStore{}, hub)

	recvSub, err := hub.Subscribe("conversation:c1", transport.SubscribeOptions{ClientID: "alice"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr.AttachTyping(recvSub)
	tr.SetActiveConversation("c1")

	bobSub, err := hub.Subscribe("conversation:c1", transport.SubscribeOptions{ClientID: "bob"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	evt := models.TypingEvent{
		UserID: "bob", Username: "bob", ConversationID: "c1", Timestamp: time.Now().UnixMilli(),
	}
	if err := bobSub.Publish(context.Background(), models.EventTyping, evt); err != nil {
		t.Fatal(err)
	}

	users := tr.TypingUsers()
	if len(users) != 1 || users[0].UserID != "bob" {
		t.Fatalf("expected bob typing, got %v", users)
	}

	// Never refreshed, never stopped: the staleness sweep drops it.
	time.Sleep(120 * time.Millisecond)
	if users := tr.TypingUsers(); len(users) != 0 {
		t.Errorf("typing entry should have expired, got %v", users)
	}
}

func TestTracker_StopTypingRemovesImmediately(t *testing.T) {
	hub := transport.NewMemoryHub(discard())
	tr := newTestTracker(t, Config{TypingTTL: time.Hour, TypingDebounce: time.Hour}, &fakeStore{}, hub)

	recvSub, _ := hub.Subscribe("conversation:c1", transport.SubscribeOptions{ClientID: "alice"}, nil)
	tr.AttachTyping(recvSub)
	tr.SetActiveConversation("c1")
	bobSub, _ := hub.Subscribe("conversation:c1", transport.SubscribeOptions{ClientID: "bob"}, nil)

	ctx := context.Background()
	evt := models.TypingEvent{UserID: "bob", Username: "bob", ConversationID: "c1", Timestamp: time.Now().UnixMilli()}
	_ = bobSub.Publish(ctx, models.EventTyping, evt)
	if len(tr.TypingUsers()) != 1 {
		t.Fatal("bob should be typing")
	}

	_ = bobSub.Publish(ctx, models.EventStopTyping, evt)
	if users := tr.TypingUsers(); len(users) != 0 {
		t.Errorf("stop_typing should remove the entry regardless of age, got %v", users)
	}
}

func TestTracker_BackgroundTypingIgnored(t *testing.T) {
	hub := transport.NewMemoryHub(discard())
	tr := newTestTracker(t, Config{TypingTTL: time.Hour, TypingDebounce: time.Hour}, &fakeStore{}, hub)

	recvSub, _ := hub.Subscribe("conversation:c2", transport.SubscribeOptions{ClientID: "alice"}, nil)
	tr.AttachTyping(recvSub)
	tr.SetActiveConversation("c1")
	bobSub, _ := hub.Subscribe("conversation:c2", transport.SubscribeOptions{ClientID: "bob"}, nil)

	evt := models.TypingEvent{UserID: "bob", Username: "bob", ConversationID: "c2", Timestamp: time.Now().UnixMilli()}
	_ = bobSub.Publish(context.Background(), models.EventTyping, evt)
	if users := tr.TypingUsers(); len(users) != 0 {
		t.Errorf("typing in another conversation leaked into the list: %v", users)
	}

	// Switching to c2 starts clean; only fresh events count.
	tr.SetActiveConversation("c2")
	if users := tr.TypingUsers(); len(users) != 0 {
		t.Errorf("typing list not empty right after a switch: %v", users)
	}
	_ = bobSub.Publish(context.Background(), models.EventTyping, evt)
	if users := tr.TypingUsers(); len(users) != 1 {
		t.Errorf("typing in the now-active conversation ignored: %v", users)
	}

	// Switching away drops the leftover entry.
	tr.SetActiveConversation("c1")
	if users := tr.TypingUsers(); len(users) != 0 {
		t.Errorf("typing entries survived the switch away: %v", users)
	}
}

func TestTracker_StopTypingOnlyWhenArmed(t *testing.T) {
	hub := transport.NewMemoryHub(discard())
	tr := newTestTracker(t, Config{TypingTTL: time.Hour, TypingDebounce: time.Hour}, &fakeStore{}, hub)

	aliceSub, _ := hub.Subscribe("conversation:c1", transport.SubscribeOptions{ClientID: "alice"}, nil)

	var mu sync.Mutex
	stops := 0
	peerSub, _ := hub.Subscribe("conversation:c1", transport.SubscribeOptions{ClientID: "bob"}, nil)
	peerSub.On(models.EventStopTyping, func(json.RawMessage) {
		mu.Lock()
		stops++
		mu.Unlock()
	})

	// No typing event was ever sent, so there is nothing to retract.
	tr.StopTyping(aliceSub, "c1")
	mu.Lock()
	if stops != 0 {
		mu.Unlock()
		t.Fatalf("stop_typing published without an armed debounce: %d", stops)
	}
	mu.Unlock()

	ctx := context.Background()
	tr.HandleTyping(ctx, aliceSub, "c1")
	tr.StopTyping(aliceSub, "c1")
	tr.StopTyping(aliceSub, "c1") // second call is a no-op

	mu.Lock()
	defer mu.Unlock()
	if stops != 1 {
		t.Errorf("stop_typing published %d times, want 1", stops)
	}
}

func TestTracker_LocalTypingDebounce(t *testing.T) {
	hub := transport.NewMemoryHub(discard())
	tr := newTestTracker(t, Config{TypingTTL: time.Second, TypingDebounce: 50 * time.Millisecond}, &fakeStore{}, hub)

	aliceSub, _ := hub.Subscribe("conversation:c1", transport.SubscribeOptions{ClientID: "alice"}, nil)

	var mu sync.Mutex
	var events []string
	peerSub, _ := hub.Subscribe("conversation:c1", transport.SubscribeOptions{ClientID: "bob"}, nil)
	peerSub.On(models.EventTyping, func(json.RawMessage) {
		mu.Lock()
		events = append(events, "typing")
		mu.Unlock()
	})
	peerSub.On(models.EventStopTyping, func(json.RawMessage) {
		mu.Lock()
		events = append(events, "stop")
		mu.Unlock()
	})

	ctx := context.Background()
	tr.HandleTyping(ctx, aliceSub, "c1")
	tr.HandleTyping(ctx, aliceSub, "c1") // re-trigger resets the debounce

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 || events[0] != "typing" || events[1] != "typing" || events[2] != "stop" {
		t.Errorf("expected typing,typing,stop, got %v", events)
	}
}

func TestTracker_PresenceEventsAndReconcile(t *testing.T) {
	hub := transport.NewMemoryHub(discard())
	st := &fakeStore{}
	tr := newTestTracker(t, Config{}, st, hub)

	notified := 0
	tr.OnChange(func() { notified++ })

	bobSub, _ := hub.Subscribe(models.PresenceChannel, transport.SubscribeOptions{ClientID: "bob"}, nil)
	_ = bobSub.Publish(context.Background(), models.EventPresenceChange, models.PresenceChangeEvent{
		UserID: "bob", Username: "bob", Status: models.PresenceOnline, Timestamp: time.Now().UnixMilli(),
	})

	if u, ok := tr.Lookup("bob"); !ok || !u.Online {
		t.Errorf("bob should be online after event, got %+v ok=%v", u, ok)
	}
	if notified == 0 {
		t.Error("observer not notified")
	}

	// Authoritative fetch overwrites the event-derived state.
	st.mu.Lock()
	st.presence = []models.PresenceUser{{UserID: "bob", Username: "bob", Online: false, LastSeen: time.Now()}}
	st.mu.Unlock()

	tr.Reconcile(context.Background())
	if u, _ := tr.Lookup("bob"); u.Online {
		t.Error("reconcile should have marked bob offline")
	}
}

func TestTracker_ForegroundTransitions(t *testing.T) {
	hub := transport.NewMemoryHub(discard())
	st := &fakeStore{}
	tr := newTestTracker(t, Config{}, st, hub)

	ctx := context.Background()
	tr.SetForeground(ctx, true)
	tr.SetForeground(ctx, false)

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.presenceCalls) != 2 || !st.presenceCalls[0] || st.presenceCalls[1] {
		t.Errorf("expected online then offline writes, got %v", st.presenceCalls)
	}

	if u, ok := tr.Lookup("alice"); !ok || u.Online {
		t.Errorf("local user should be offline after background, got %+v", u)
	}
}
