package rest

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vovakirdan/marketchat/internal/apitest"
	"github.com/vovakirdan/marketchat/internal/chat"
	"github.com/vovakirdan/marketchat/internal/metrics"
	"github.com/vovakirdan/marketchat/internal/proto"
	"github.com/vovakirdan/marketchat/internal/session"
	"github.com/vovakirdan/marketchat/internal/store"
)

const (
	buyerID  = int64(1)
	sellerID = int64(2)
)

type fixture struct {
	backend *apitest.Backend
	store   *store.MemoryStore
	session *session.Session
	client  *Client
}

func newFixture(t *testing.T, opts apitest.Options, clientOpts ...Option) *fixture {
	t.Helper()
	b := apitest.New(t, opts)
	b.AddUser(buyerID, "buyer")
	b.AddUser(sellerID, "seller")

	st := store.NewMemory()
	sess := session.New(st, nil)
	access, refresh := b.Tokens(buyerID)
	if err := sess.SetIdentity(context.Background(), session.User{ID: buyerID, Name: "buyer"}, session.Tokens{AccessToken: access, RefreshToken: refresh}); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	return &fixture{
		backend: b,
		store:   st,
		session: sess,
		client:  New(b.URL, sess, clientOpts...),
	}
}

func TestFindAndCreateRoom(t *testing.T) {
	cases := []struct {
		name string
		opts apitest.Options
	}{
		{"not found status", apitest.Options{}},
		{"none sentinel", apitest.Options{NoneRoomID: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.opts)
			ctx := context.Background()

			_, found, err := f.client.FindRoom(ctx, buyerID, sellerID)
			if err != nil || found {
				t.Fatalf("FindRoom before create = found %v, err %v", found, err)
			}

			created, err := f.client.CreateRoom(ctx, buyerID, sellerID)
			if err != nil {
				t.Fatalf("CreateRoom: %v", err)
			}
			if created <= 0 {
				t.Fatalf("CreateRoom returned id %d", created)
			}

			got, found, err := f.client.FindRoom(ctx, sellerID, buyerID)
			if err != nil || !found || got != created {
				t.Fatalf("FindRoom after create = %d, %v, %v; want %d", got, found, err, created)
			}
		})
	}
}

func TestHistoryPages(t *testing.T) {
	for _, paged := range []bool{false, true} {
		f := newFixture(t, apitest.Options{PagedHistory: paged})
		roomID := f.backend.EnsureRoom(buyerID, sellerID)
		f.backend.Seed(roomID, sellerID, "m1", "m2", "m3", "m4", "m5")

		first, err := f.client.History(context.Background(), roomID, 0, 2)
		if err != nil {
			t.Fatalf("paged=%v: history: %v", paged, err)
		}
		if len(first) != 2 || first[0].Content != "m5" || first[1].Content != "m4" {
			t.Fatalf("paged=%v: page 0 = %+v; want m5, m4", paged, first)
		}
		m := first[0]
		if m.RoomID != roomID || m.SenderID != sellerID || m.SenderName != "seller" || m.ID == 0 {
			t.Fatalf("paged=%v: unexpected message %+v", paged, m)
		}
		if m.CreatedAt.IsZero() || m.CreatedAt.Location() != time.UTC {
			t.Fatalf("paged=%v: createdAt not parsed as UTC: %v", paged, m.CreatedAt)
		}

		last, err := f.client.History(context.Background(), roomID, 2, 2)
		if err != nil {
			t.Fatalf("paged=%v: history: %v", paged, err)
		}
		if len(last) != 1 || last[0].Content != "m1" {
			t.Fatalf("paged=%v: page 2 = %+v; want m1", paged, last)
		}

		beyond, err := f.client.History(context.Background(), roomID, 5, 2)
		if err != nil || len(beyond) != 0 {
			t.Fatalf("paged=%v: page past the end = %+v, %v", paged, beyond, err)
		}
	}
}

func TestRefreshOnUnauthorized(t *testing.T) {
	f := newFixture(t, apitest.Options{})
	stale := f.session.AccessToken()
	f.backend.Revoke(stale)

	if _, _, err := f.client.FindRoom(context.Background(), buyerID, sellerID); err != nil {
		t.Fatalf("FindRoom: %v", err)
	}
	if got := f.backend.Calls("refresh"); got != 1 {
		t.Fatalf("refresh calls = %d; want 1", got)
	}
	if got := f.backend.Calls("find_room"); got != 2 {
		t.Fatalf("find_room calls = %d; want 2", got)
	}
	if f.session.AccessToken() == stale {
		t.Fatalf("access token not replaced")
	}

	// The refreshed token is persisted.
	reloaded := session.New(f.store, nil)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.AccessToken() != f.session.AccessToken() {
		t.Fatalf("persisted token %q; want %q", reloaded.AccessToken(), f.session.AccessToken())
	}
}

func TestRefreshBeforeExpiry(t *testing.T) {
	f := newFixture(t, apitest.Options{})
	expired := f.backend.MintToken(buyerID, time.Now().Add(-2*time.Hour))
	if err := f.session.UpdateAccessToken(context.Background(), expired); err != nil {
		t.Fatalf("update token: %v", err)
	}

	if _, err := f.client.History(context.Background(), 101, 0, 20); err != nil {
		t.Fatalf("History: %v", err)
	}
	if got := f.backend.Calls("refresh"); got != 1 {
		t.Fatalf("refresh calls = %d; want 1", got)
	}
	if got := f.backend.Calls("history"); got != 1 {
		t.Fatalf("history calls = %d; want 1 (no rejected round trip)", got)
	}
}

func TestRefreshRejectedExpiresSession(t *testing.T) {
	f := newFixture(t, apitest.Options{})
	f.backend.Revoke(f.session.AccessToken())
	f.backend.RevokeRefresh(f.session.RefreshToken())

	_, err := f.client.Rooms(context.Background(), buyerID)
	if !errors.Is(err, chat.ErrSessionExpired) {
		t.Fatalf("Rooms err = %v; want ErrSessionExpired", err)
	}
	if f.session.LoggedIn() {
		t.Fatalf("session still logged in")
	}
	if _, err := f.store.Get(context.Background(), session.DefaultKey); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("persisted session not removed: %v", err)
	}
	if got := f.backend.Calls("rooms"); got != 1 {
		t.Fatalf("rooms calls = %d; want 1 (no retry after failed refresh)", got)
	}
}

func TestListingProfileAndNotFound(t *testing.T) {
	f := newFixture(t, apitest.Options{})
	f.backend.AddPost(proto.Post{
		PostID:           7,
		UserID:           proto.FlexID(sellerID),
		AuthorName:       "seller",
		TradeType:        "SELL",
		Name:             "desk lamp",
		ProductImageURLs: []string{"https://img.example.com/p/7-0", "https://img.example.com/p/7-1"},
		Price:            decimal.RequireFromString("15000.50"),
	})
	ctx := context.Background()

	l, err := f.client.Listing(ctx, 7)
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	if l.Name != "desk lamp" || l.SellerID != sellerID || l.ImageURL != "https://img.example.com/p/7-0" {
		t.Fatalf("unexpected listing %+v", l)
	}
	if !l.Price.Equal(decimal.RequireFromString("15000.5")) {
		t.Fatalf("price = %s; want 15000.5", l.Price)
	}

	p, err := f.client.Profile(ctx, sellerID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.UserID != sellerID || p.Name != "seller" {
		t.Fatalf("unexpected profile %+v", p)
	}

	_, err = f.client.Listing(ctx, 999)
	if !IsNotFound(err) {
		t.Fatalf("Listing(999) err = %v; want not found", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "post not found" || apiErr.Path != "/api/v1/posts/999" {
		t.Fatalf("unexpected API error %#v", err)
	}
}

func TestRooms(t *testing.T) {
	f := newFixture(t, apitest.Options{})
	roomID := f.backend.EnsureRoom(sellerID, buyerID)
	f.backend.Seed(roomID, sellerID, "hello", "still available")
	f.backend.EnsureRoom(sellerID, 3)

	rooms, err := f.client.Rooms(context.Background(), buyerID)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("got %d rooms; want 1", len(rooms))
	}
	r := rooms[0]
	if r.ID != roomID || r.PartnerID != sellerID || r.PartnerName != "seller" {
		t.Fatalf("unexpected summary %+v", r)
	}
	if r.Latest == nil || r.Latest.Content != "still available" {
		t.Fatalf("latest = %+v; want still available", r.Latest)
	}
}

func TestLogin(t *testing.T) {
	b := apitest.New(t, apitest.Options{})
	code := b.AddUser(5, "newcomer")
	c := New(b.URL, nil)

	data, err := c.Login(context.Background(), code)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if data.ID.Int64() != 5 || data.Name != "newcomer" || data.JWTToken.AccessToken == "" || data.JWTToken.RefreshToken == "" {
		t.Fatalf("unexpected login data %+v", data)
	}

	_, err = c.Login(context.Background(), "bogus")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Login(bogus) err = %v; want 401", err)
	}
	if got := b.Calls("refresh"); got != 0 {
		t.Fatalf("public call attempted %d refreshes", got)
	}

	if _, err := c.Login(context.Background(), ""); err == nil {
		t.Fatalf("empty code accepted")
	}
}

func TestMetricsAndSpans(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewREST(reg)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, apitest.Options{}, WithMetrics(m), WithTracerProvider(tp))
	_, _ = f.client.Listing(context.Background(), 404)
	_, _, _ = f.client.FindRoom(context.Background(), buyerID, sellerID)

	if got := testutil.ToFloat64(m.Requests.WithLabelValues(http.MethodGet, "/posts/{postId}", "404")); got != 1 {
		t.Fatalf("404 request count = %v; want 1", got)
	}

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans; want 2", len(spans))
	}
	if spans[0].Name() != "GET /posts/{postId}" || spans[0].Status().Code != codes.Error {
		t.Fatalf("listing span = %q %v", spans[0].Name(), spans[0].Status())
	}
	// A missing room is not an error for the caller but the span still saw 404.
	if spans[1].Name() != "GET /chatRooms/{user1Id}/{user2Id}" {
		t.Fatalf("find span = %q", spans[1].Name())
	}
}
