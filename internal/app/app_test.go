package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"github.com/vovakirdan/marketchat/internal/apitest"
	"github.com/vovakirdan/marketchat/internal/chat"
	"github.com/vovakirdan/marketchat/internal/config"
	"github.com/vovakirdan/marketchat/internal/log"
	"github.com/vovakirdan/marketchat/internal/proto"
	"github.com/vovakirdan/marketchat/internal/session"
)

const (
	buyerID  = int64(1)
	sellerID = int64(2)
)

func testConfig(b *apitest.Backend) config.Config {
	cfg := config.Default()
	cfg.API.BaseURL = b.URL
	cfg.Realtime.URL = b.RealtimeURL()
	cfg.Realtime.Reconnect = config.ReconnectConfig{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   1,
	}
	cfg.Session.Backend = config.SessionBackendMemory
	return cfg
}

func newApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, log.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChatEndToEnd(t *testing.T) {
	b := apitest.New(t, apitest.Options{})
	code := b.AddUser(buyerID, "buyer")
	b.AddUser(sellerID, "seller")
	b.AddPost(proto.Post{PostID: 7, UserID: proto.FlexID(sellerID), Name: "road bike", Price: decimal.NewFromInt(120000)})

	a := newApp(t, testConfig(b))
	ctx := context.Background()

	user, err := a.Login(ctx, code)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != buyerID || user.Name != "buyer" {
		t.Fatalf("unexpected user %+v", user)
	}

	rooms, err := a.Rooms(ctx)
	if err != nil || len(rooms) != 0 {
		t.Fatalf("rooms before chat = %v, %v", rooms, err)
	}

	view, err := a.OpenChat(ctx, chat.Target{SellerID: sellerID, ListingID: 7}, Hooks{})
	if err != nil {
		t.Fatalf("open chat: %v", err)
	}
	t.Cleanup(view.Unmount)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := view.WaitReady(waitCtx); err != nil {
		t.Fatalf("wait ready: %v (status %+v)", err, view.Status())
	}
	roomID := view.Status().RoomID
	if got := b.Rooms(); len(got) != 1 || got[0] != roomID {
		t.Fatalf("backend rooms = %v; view room %d", got, roomID)
	}
	if l, ok := view.Listing(); !ok || l.Name != "road bike" {
		t.Fatalf("listing header = %+v, %v", l, ok)
	}
	if err := b.Broker.WaitSubscribers(waitCtx, roomID, 1); err != nil {
		t.Fatalf("wait subscribers: %v", err)
	}

	if err := view.Send(ctx, "  is it still for sale?  "); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "echo confirmation", func() bool {
		msgs := view.Messages()
		return len(msgs) == 1 && msgs[0].ID != 0
	})
	if got := view.Messages()[0].Content; got != "is it still for sale?" {
		t.Fatalf("content = %q", got)
	}

	// Without a correlation id the echo is matched by content.
	b.Broker.SetStripCorrelation(true)
	if err := view.Send(ctx, "can you ship it?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "stripped echo confirmation", func() bool {
		msgs := view.Messages()
		return len(msgs) == 2 && msgs[1].ID != 0
	})

	b.Broker.Publish(roomID, sellerID, "seller", "yes, pickup only")
	eventually(t, "partner message", func() bool { return len(view.Messages()) == 3 })
	entries := view.Entries()
	if !entries[0].Self || !entries[1].Self || entries[2].Self {
		t.Fatalf("self classification wrong: %+v", entries)
	}

	rooms, err = a.Rooms(ctx)
	if err != nil || len(rooms) != 1 {
		t.Fatalf("rooms after chat = %v, %v", rooms, err)
	}
	if rooms[0].PartnerID != sellerID || rooms[0].Latest == nil || rooms[0].Latest.Content != "yes, pickup only" {
		t.Fatalf("unexpected room summary %+v", rooms[0])
	}

	view.Unmount()
	if st := view.Status().State; st != chat.ViewClosed {
		t.Fatalf("state after unmount = %s", st)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"marketchat_rest_requests_total",
		"marketchat_realtime_messages_published_total 2",
		"marketchat_realtime_connect_attempts_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestReopenExistingRoomLoadsHistory(t *testing.T) {
	b := apitest.New(t, apitest.Options{PagedHistory: true})
	code := b.AddUser(buyerID, "buyer")
	b.AddUser(sellerID, "seller")
	roomID := b.EnsureRoom(sellerID, buyerID)
	b.Seed(roomID, sellerID, "hello", "are you there?")

	a := newApp(t, testConfig(b))
	ctx := context.Background()
	if _, err := a.Login(ctx, code); err != nil {
		t.Fatalf("login: %v", err)
	}

	view, err := a.OpenChat(ctx, chat.Target{RoomID: roomID}, Hooks{})
	if err != nil {
		t.Fatalf("open chat: %v", err)
	}
	t.Cleanup(view.Unmount)

	msgs := view.Messages()
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "are you there?" {
		t.Fatalf("history = %+v", msgs)
	}
	if b.Calls("find_room") != 0 || b.Calls("create_room") != 0 {
		t.Fatalf("room resolution ran for an explicit room id")
	}
}

func TestOpenChatRequiresLogin(t *testing.T) {
	b := apitest.New(t, apitest.Options{})
	a := newApp(t, testConfig(b))

	if _, err := a.OpenChat(context.Background(), chat.Target{SellerID: sellerID}, Hooks{}); !errors.Is(err, session.ErrNotLoggedIn) {
		t.Fatalf("OpenChat err = %v; want ErrNotLoggedIn", err)
	}
	if _, err := a.Rooms(context.Background()); !errors.Is(err, session.ErrNotLoggedIn) {
		t.Fatalf("Rooms err = %v; want ErrNotLoggedIn", err)
	}
}

func TestOpenChatWithSelfFails(t *testing.T) {
	b := apitest.New(t, apitest.Options{})
	code := b.AddUser(buyerID, "buyer")
	a := newApp(t, testConfig(b))
	if _, err := a.Login(context.Background(), code); err != nil {
		t.Fatalf("login: %v", err)
	}

	view, err := a.OpenChat(context.Background(), chat.Target{SellerID: buyerID}, Hooks{})
	if !errors.Is(err, chat.ErrInvalidParticipants) {
		t.Fatalf("err = %v; want ErrInvalidParticipants", err)
	}
	if view.Status().State != chat.ViewError {
		t.Fatalf("state = %s; want error", view.Status().State)
	}
	if b.Calls("find_room") != 0 {
		t.Fatalf("backend was asked to resolve a self chat")
	}
}

func TestSessionPersistsInSQLite(t *testing.T) {
	b := apitest.New(t, apitest.Options{})
	code := b.AddUser(buyerID, "buyer")
	cfg := testConfig(b)
	cfg.Session.Backend = config.SessionBackendSQLite
	cfg.Session.Path = filepath.Join(t.TempDir(), "session.db")

	first, err := New(context.Background(), cfg, log.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := first.Login(context.Background(), code); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newApp(t, cfg)
	if !second.Session().LoggedIn() || second.Session().UserID() != buyerID {
		t.Fatalf("session not restored: %+v", second.Session().User())
	}

	if err := second.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if second.Session().LoggedIn() {
		t.Fatalf("still logged in after logout")
	}
}

func TestSessionInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	b := apitest.New(t, apitest.Options{})
	code := b.AddUser(buyerID, "buyer")
	cfg := testConfig(b)
	cfg.Session.Backend = config.SessionBackendRedis
	cfg.Session.RedisAddr = mr.Addr()

	a := newApp(t, cfg)
	if _, err := a.Login(context.Background(), code); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !mr.Exists(cfg.Session.RedisPrefix + cfg.Session.Key) {
		t.Fatalf("session not written to redis; keys %v", mr.Keys())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Backend = "etcd"
	if _, err := New(context.Background(), cfg, log.Nop()); err == nil {
		t.Fatalf("invalid config accepted")
	}
}

func TestHealthz(t *testing.T) {
	b := apitest.New(t, apitest.Options{})
	a := newApp(t, testConfig(b))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"logged_in":false`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}
