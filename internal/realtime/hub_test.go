package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/elvachat/relay/internal/delivery"
	"github.com/elvachat/relay/internal/models"
	"github.com/elvachat/relay/internal/store"
)

type testEnv struct {
	srv   *httptest.Server
	hub   *Hub
	store *store.MemoryStore
	flags *flagStore
}

// flagStore records durable online flag writes. When hold is set, offline
// writes signal held and then wait for hold to close.
type flagStore struct {
	*store.MemoryStore

	mu     sync.Mutex
	writes []bool
	hold   chan struct{}
	held   chan struct{}
}

func (s *flagStore) SetOnline(ctx context.Context, name string, online bool, lastSeen *time.Time) error {
	if !online && s.hold != nil {
		s.held <- struct{}{}
		<-s.hold
	}
	s.mu.Lock()
	s.writes = append(s.writes, online)
	s.mu.Unlock()
	return s.MemoryStore.SetOnline(ctx, name, online, lastSeen)
}

func (s *flagStore) recorded() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.writes...)
}

func newTestEnv(t *testing.T, users ...string) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	for _, name := range users {
		if _, err := ms.CreateUser(context.Background(), name, name+"@example.com", "", "x"); err != nil {
			t.Fatal(err)
		}
	}
	flags := &flagStore{MemoryStore: ms}
	hub := NewHub(flags, zerolog.Nop(), Options{})
	hub.SetDeliverer(delivery.NewEngine(ms, hub.Registry(), hub, nil, zerolog.Nop()))

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: ms, flags: flags}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, outbound{Event: event, Data: data}); err != nil {
		t.Fatal(err)
	}
}

// next returns the payload of the next frame with the given event,
// skipping any others.
func next(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var env Envelope
		err := wsjson.Read(ctx, conn, &env)
		cancel()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

func nextMessage(t *testing.T, conn *websocket.Conn) models.Message {
	t.Helper()
	var msg models.Message
	if err := json.Unmarshal(next(t, conn, EventPrivateMessage), &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

// waitPresence reads snapshots until user has the wanted online state.
func waitPresence(t *testing.T, conn *websocket.Conn, user string, online bool) []models.PresenceStatus {
	t.Helper()
	for {
		var snapshot []models.PresenceStatus
		if err := json.Unmarshal(next(t, conn, EventUpdateUsers), &snapshot); err != nil {
			t.Fatal(err)
		}
		for _, s := range snapshot {
			if s.Username == user && s.IsOnline == online {
				return snapshot
			}
		}
	}
}

// register claims user on conn and waits until the hub has bound it.
func (e *testEnv) register(t *testing.T, conn *websocket.Conn, user string) {
	t.Helper()
	before := len(e.hub.Registry().ConnectionsFor(user))
	send(t, conn, EventRegisterUser, user)
	deadline := time.Now().Add(5 * time.Second)
	for len(e.hub.Registry().ConnectionsFor(user)) <= before {
		if time.Now().After(deadline) {
			t.Fatalf("%s was not registered", user)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterBroadcastsPresence(t *testing.T) {
	env := newTestEnv(t, "alice", "bob", "carol")
	alice := env.dial(t)
	bob := env.dial(t)

	env.register(t, alice, "alice")
	send(t, bob, EventRegisterUser, "bob")

	snapshot := waitPresence(t, alice, "bob", true)
	if len(snapshot) != 3 {
		t.Fatalf("expected full roster of 3, got %d", len(snapshot))
	}
	for _, s := range snapshot {
		switch s.Username {
		case "alice", "bob":
			if !s.IsOnline || s.LastSeen == nil {
				t.Fatalf("%s should be online with lastSeen: %+v", s.Username, s)
			}
		case "carol":
			if s.IsOnline || s.LastSeen != nil {
				t.Fatalf("carol should be offline without lastSeen: %+v", s)
			}
		}
	}
	if !env.hub.Registry().IsOnline("alice") || !env.hub.Registry().IsOnline("bob") {
		t.Fatal("registry should report both users online")
	}
}

func TestRegisterAcceptsObjectPayload(t *testing.T) {
	env := newTestEnv(t, "alice")
	conn := env.dial(t)

	send(t, conn, EventRegisterUser, map[string]string{"username": "alice"})
	waitPresence(t, conn, "alice", true)
}

func TestPrivateMessageScenario(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.dial(t)
	bob := env.dial(t)
	env.register(t, alice, "alice")
	env.register(t, bob, "bob")

	send(t, alice, EventPrivateMessage, PrivateMessage{FromUser: "alice", ToUser: "bob", Message: "hi"})

	got := nextMessage(t, bob)
	if got.From != "alice" || got.To != "bob" || got.Body != "hi" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.Kind != models.KindText || got.ID == "" || got.CreatedAt.IsZero() {
		t.Fatalf("missing delivery fields: %+v", got)
	}

	echo := nextMessage(t, alice)
	if echo.ID != got.ID {
		t.Fatalf("sender echo has id %s, recipient got %s", echo.ID, got.ID)
	}

	counts, _ := env.store.UnreadCounts(context.Background(), "bob")
	if counts["alice"] != 1 {
		t.Fatalf("expected one unread from alice, got %v", counts)
	}
}

func TestMultiDeviceReceivesExactlyOnce(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.dial(t)
	phone := env.dial(t)
	laptop := env.dial(t)
	env.register(t, alice, "alice")
	env.register(t, phone, "bob")
	env.register(t, laptop, "bob")

	send(t, alice, EventPrivateMessage, PrivateMessage{FromUser: "alice", ToUser: "bob", Message: "one"})
	send(t, alice, EventPrivateMessage, PrivateMessage{FromUser: "alice", ToUser: "bob", Message: "two"})

	for name, conn := range map[string]*websocket.Conn{"phone": phone, "laptop": laptop} {
		first := nextMessage(t, conn)
		second := nextMessage(t, conn)
		if first.Body != "one" || second.Body != "two" {
			t.Fatalf("%s got %q then %q", name, first.Body, second.Body)
		}
	}
}

func TestDisconnectMarksOfflineAfterLastConnection(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	phone := env.dial(t)
	laptop := env.dial(t)
	env.register(t, phone, "bob")
	env.register(t, laptop, "bob")
	// alice joins last so every snapshot she sees before the disconnects
	// has bob online.
	alice := env.dial(t)
	env.register(t, alice, "alice")

	phone.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(5 * time.Second)
	for len(env.hub.Registry().ConnectionsFor("bob")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("phone connection was not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !env.hub.Registry().IsOnline("bob") {
		t.Fatal("bob should stay online while a connection remains")
	}

	laptop.Close(websocket.StatusNormalClosure, "")
	waitPresence(t, alice, "bob", false)
	if env.hub.Registry().IsOnline("bob") {
		t.Fatal("bob should be offline after the last connection closed")
	}
	u, _ := env.store.GetUserByName(context.Background(), "bob")
	if u == nil || u.IsOnline {
		t.Fatalf("durable online flag should be cleared: %+v", u)
	}
}

func TestDuplicateRegisterPersistsOnce(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	bob := env.dial(t)
	env.register(t, bob, "bob")
	alice := env.dial(t)
	env.register(t, alice, "alice")
	next(t, alice, EventUpdateUsers)

	// Same connection, same identity: nothing changes durably, but the
	// snapshot is still rebroadcast.
	send(t, alice, EventRegisterUser, "alice")
	next(t, alice, EventUpdateUsers)

	if got := env.flags.recorded(); len(got) != 2 || !got[0] || !got[1] {
		t.Fatalf("expected one online write per user, got %v", got)
	}
}

func TestOnlineFlagFollowsLatestTransition(t *testing.T) {
	env := newTestEnv(t, "alice")
	reg := env.hub.Registry()
	reg.Register("phone", "alice")

	env.flags.hold = make(chan struct{})
	env.flags.held = make(chan struct{}, 1)

	offline := make(chan struct{})
	go func() {
		reg.Unregister("phone")
		close(offline)
	}()
	// The offline write has read the registry and is now stalled.
	<-env.flags.held

	online := make(chan struct{})
	go func() {
		reg.Register("laptop", "alice")
		close(online)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !reg.IsOnline("alice") {
		if time.Now().After(deadline) {
			t.Fatal("laptop was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(env.flags.hold)
	<-offline
	<-online

	u, _ := env.store.GetUserByName(context.Background(), "alice")
	if u == nil || !u.IsOnline {
		t.Fatalf("durable flag should end online: %+v", u)
	}
	if got := env.flags.recorded(); len(got) == 0 || !got[len(got)-1] {
		t.Fatalf("last write should be online, got %v", got)
	}
}

func TestUnclaimedDisconnectIsHarmless(t *testing.T) {
	env := newTestEnv(t, "alice")
	alice := env.dial(t)
	env.register(t, alice, "alice")

	stranger := env.dial(t)
	stranger.Close(websocket.StatusNormalClosure, "")

	send(t, alice, EventPrivateMessage, PrivateMessage{FromUser: "alice", ToUser: "alice", Message: "still here"})
	if got := nextMessage(t, alice); got.Body != "still here" {
		t.Fatalf("unexpected message %+v", got)
	}
	if env.hub.Registry().OnlineCount() != 1 {
		t.Fatalf("expected only alice online, got %d", env.hub.Registry().OnlineCount())
	}
}

func TestInvalidMessageReturnsErrorToSender(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.dial(t)
	env.register(t, alice, "alice")

	send(t, alice, EventPrivateMessage, PrivateMessage{FromUser: "alice", ToUser: "bob", Message: ""})

	var me MessageError
	if err := json.Unmarshal(next(t, alice, EventMessageError), &me); err != nil {
		t.Fatal(err)
	}
	if me.Error == "" || me.OriginalMessage.ToUser != "bob" {
		t.Fatalf("unexpected error payload: %+v", me)
	}
	history, _ := env.store.GetConversation(context.Background(), "alice", "bob", 0)
	if len(history) != 0 {
		t.Fatal("invalid message must not be stored")
	}
}

func TestSenderMustMatchClaimedIdentity(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.dial(t)
	env.register(t, alice, "alice")

	send(t, alice, EventPrivateMessage, PrivateMessage{FromUser: "mallory", ToUser: "bob", Message: "hi"})

	var me MessageError
	if err := json.Unmarshal(next(t, alice, EventMessageError), &me); err != nil {
		t.Fatal(err)
	}
	if me.OriginalMessage.FromUser != "mallory" {
		t.Fatalf("unexpected error payload: %+v", me)
	}
}

func TestUnclaimedSenderGetsEcho(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	conn := env.dial(t)

	send(t, conn, EventPrivateMessage, PrivateMessage{FromUser: "alice", ToUser: "bob", Message: "drive-by"})
	if got := nextMessage(t, conn); got.Body != "drive-by" || got.ID == "" {
		t.Fatalf("expected echo of persisted message, got %+v", got)
	}
}

func TestPushToUnknownConnection(t *testing.T) {
	env := newTestEnv(t)
	if err := env.hub.Push("missing", &models.Message{ID: "x"}); err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
