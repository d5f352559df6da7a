// Package apitest runs an in-process marketplace backend for tests. The REST
// API is served by gin and the STOMP broker shares the same listener at /ws,
// routed by a plain ServeMux so the broker can hijack the connection.
package apitest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/marketchat/internal/auth"
	"github.com/vovakirdan/marketchat/internal/proto"
)

const (
	Prefix      = "/api/v1"
	RefreshPath = "/auth/refresh"
	WSPath      = "/ws"

	// localLayout is the zone-less date-time the backend emits.
	localLayout = "2006-01-02T15:04:05"

	contextKeyUserID = "user_id"
)

// Options tunes the response shapes of a Backend.
type Options struct {
	// NoneRoomID answers an unknown room pair with 200 and roomId "none"
	// instead of 404.
	NoneRoomID bool
	// PagedHistory wraps history pages in an object with a content field.
	PagedHistory bool
	// TokenTTL is the lifetime of minted access tokens. Defaults to one hour.
	TokenTTL time.Duration
	Logger   *zerolog.Logger
}

type wireMessage struct {
	ID              int64  `json:"id"`
	RoomID          int64  `json:"roomId"`
	SenderID        int64  `json:"senderId"`
	SenderName      string `json:"senderName"`
	Content         string `json:"content"`
	CreatedAt       string `json:"createdAt"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type room struct {
	id    int64
	user1 int64
	user2 int64
}

func (r room) has(a, b int64) bool {
	return (r.user1 == a && r.user2 == b) || (r.user1 == b && r.user2 == a)
}

// Backend is a fake marketplace backend.
type Backend struct {
	URL    string
	Broker *Broker

	server *httptest.Server
	jwt    *auth.JWTConfig
	logger *zerolog.Logger
	opts   Options

	mu        sync.Mutex
	users     map[int64]string
	rooms     []room
	nextRoom  int64
	nextMsg   int64
	clock     time.Time
	messages  map[int64][]wireMessage
	posts     map[int64]proto.Post
	codes     map[string]int64
	refreshes map[string]int64
	revoked   map[string]bool
	calls     map[string]int
}

// New starts a backend that is shut down when tb finishes.
func New(tb testing.TB, opts Options) *Backend {
	tb.Helper()
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	b := &Backend{
		jwt:       &auth.JWTConfig{Secret: []byte("apitest-secret"), Issuer: "apitest", TTL: opts.TokenTTL},
		logger:    logger,
		opts:      opts,
		users:     make(map[int64]string),
		nextRoom:  100,
		clock:     time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		messages:  make(map[int64][]wireMessage),
		posts:     make(map[int64]proto.Post),
		codes:     make(map[string]int64),
		refreshes: make(map[string]int64),
		revoked:   make(map[string]bool),
		calls:     make(map[string]int),
	}
	b.Broker = NewBroker(BrokerOptions{
		Validate: b.validate,
		Record:   b.record,
		Logger:   logger,
	})

	b.server = httptest.NewServer(b.handler())
	b.URL = b.server.URL
	tb.Cleanup(func() {
		b.Broker.DropConnections()
		b.server.Close()
	})
	return b
}

// RealtimeURL is the WebSocket endpoint of the broker.
func (b *Backend) RealtimeURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http") + WSPath
}

func (b *Backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(WSPath, b.Broker)
	mux.Handle("/", b.router())
	return mux
}

func (b *Backend) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery(), b.loggerMiddleware())

	api := r.Group(Prefix)
	api.GET("/users/login", b.count("login"), b.handleLogin)

	// Calls are counted before authentication so rejected attempts show up.
	api.GET("/chatRooms/:user1Id/:user2Id", b.count("find_room"), b.authMiddleware(), b.handleFindRoom)
	api.POST("/chatRooms", b.count("create_room"), b.authMiddleware(), b.handleCreateRoom)
	api.GET("/chats/messages/:roomId", b.count("history"), b.authMiddleware(), b.handleHistory)
	api.GET("/chats/chattingList/:userId", b.count("rooms"), b.authMiddleware(), b.handleRooms)
	api.GET("/posts/:postId", b.count("post"), b.authMiddleware(), b.handlePost)
	api.GET("/profile/details/:userId", b.count("profile"), b.authMiddleware(), b.handleProfile)

	r.POST(RefreshPath, b.count("refresh"), b.handleRefresh)
	return r
}

func (b *Backend) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, proto.Error{Message: "missing bearer token", Status: http.StatusUnauthorized})
			return
		}
		claims, err := b.claims(parts[1])
		if err != nil {
			b.logger.Debug().Err(err).Msg("invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, proto.Error{Message: "invalid token", Status: http.StatusUnauthorized})
			return
		}
		c.Set(contextKeyUserID, claims.UserID)
		c.Next()
	}
}

func (b *Backend) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		b.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

func (b *Backend) count(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		b.mu.Lock()
		b.calls[name]++
		b.mu.Unlock()
		c.Next()
	}
}

func (b *Backend) claims(token string) (*auth.Claims, error) {
	b.mu.Lock()
	revoked := b.revoked[token]
	b.mu.Unlock()
	if revoked {
		return nil, errRevoked
	}
	return auth.ValidateToken(b.jwt, token)
}

func (b *Backend) validate(token string) error {
	_, err := b.claims(token)
	return err
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, proto.Error{Message: msg, Status: http.StatusNotFound})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, proto.Error{Message: "invalid " + name, Status: http.StatusBadRequest})
		return 0, false
	}
	return v, true
}

func (b *Backend) handleLogin(c *gin.Context) {
	code := c.Query("code")
	b.mu.Lock()
	userID, ok := b.codes[code]
	name := b.users[userID]
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusUnauthorized, proto.Error{Message: "invalid authorization code", Status: http.StatusUnauthorized})
		return
	}
	access, refresh := b.Tokens(userID)
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"id":     userID,
			"status": "ACTIVE",
			"name":   name,
			"email":  "user" + strconv.FormatInt(userID, 10) + "@example.com",
			"jwtToken": gin.H{
				"accessToken":  access,
				"refreshToken": refresh,
			},
		},
		"message": "login ok",
	})
}

func (b *Backend) handleRefresh(c *gin.Context) {
	var req proto.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, proto.Error{Message: "invalid request body", Status: http.StatusBadRequest})
		return
	}
	b.mu.Lock()
	userID, ok := b.refreshes[req.RefreshToken]
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusUnauthorized, proto.Error{Message: "invalid refresh token", Status: http.StatusUnauthorized})
		return
	}
	access, err := auth.GenerateToken(b.jwt, userID, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, proto.Error{Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"accessToken": access}})
}

func (b *Backend) handleFindRoom(c *gin.Context) {
	user1, ok := pathID(c, "user1Id")
	if !ok {
		return
	}
	user2, ok := pathID(c, "user2Id")
	if !ok {
		return
	}
	b.mu.Lock()
	r, found := b.findLocked(user1, user2)
	b.mu.Unlock()
	switch {
	case found:
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"roomId": r.id}})
	case b.opts.NoneRoomID:
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"roomId": "none"}})
	default:
		notFound(c, "chat room not found")
	}
}

func (b *Backend) handleCreateRoom(c *gin.Context) {
	var req proto.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.User1ID <= 0 || req.User2ID <= 0 {
		c.JSON(http.StatusBadRequest, proto.Error{Message: "invalid participants", Status: http.StatusBadRequest})
		return
	}
	roomID := b.EnsureRoom(req.User1ID, req.User2ID)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"roomId": roomID}, "message": "chat room created"})
}

func (b *Backend) handleHistory(c *gin.Context) {
	roomID, ok := pathID(c, "roomId")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	if page < 0 || size <= 0 {
		c.JSON(http.StatusBadRequest, proto.Error{Message: "invalid page", Status: http.StatusBadRequest})
		return
	}

	b.mu.Lock()
	all := b.messages[roomID]
	newest := make([]wireMessage, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		newest = append(newest, all[i])
	}
	b.mu.Unlock()

	start := page * size
	if start > len(newest) {
		start = len(newest)
	}
	end := start + size
	if end > len(newest) {
		end = len(newest)
	}
	items := newest[start:end]

	if b.opts.PagedHistory {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"content": items,
			"number":  page,
			"size":    size,
			"last":    end == len(newest),
		}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (b *Backend) handleRooms(c *gin.Context) {
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}
	b.mu.Lock()
	items := make([]gin.H, 0)
	for _, r := range b.rooms {
		if r.user1 != userID && r.user2 != userID {
			continue
		}
		item := gin.H{
			"roomId":    r.id,
			"user1Id":   r.user1,
			"user2Id":   r.user2,
			"user1Name": b.users[r.user1],
			"user2Name": b.users[r.user2],
		}
		if msgs := b.messages[r.id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			item["latestMessageDto"] = gin.H{
				"senderId":  last.SenderID,
				"content":   last.Content,
				"createdAt": last.CreatedAt,
			}
		}
		items = append(items, item)
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (b *Backend) handlePost(c *gin.Context) {
	postID, ok := pathID(c, "postId")
	if !ok {
		return
	}
	b.mu.Lock()
	p, found := b.posts[postID]
	b.mu.Unlock()
	if !found {
		notFound(c, "post not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (b *Backend) handleProfile(c *gin.Context) {
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}
	b.mu.Lock()
	name, found := b.users[userID]
	b.mu.Unlock()
	if !found {
		notFound(c, "user not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"userId":          strconv.FormatInt(userID, 10),
		"name":            name,
		"profileImageUrl": "https://img.example.com/u/" + strconv.FormatInt(userID, 10),
	}})
}

func (b *Backend) findLocked(a, c int64) (room, bool) {
	for _, r := range b.rooms {
		if r.has(a, c) {
			return r, true
		}
	}
	return room{}, false
}

// record stores a published message in the room history and returns it as
// the broker delivers it.
func (b *Backend) record(pub proto.ChatPublish) wireMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(pub.RoomID, pub.SenderID, pub.SenderName, pub.Content, pub.ClientMessageID)
}

func (b *Backend) appendLocked(roomID, senderID int64, senderName, content, cid string) wireMessage {
	b.nextMsg++
	b.clock = b.clock.Add(time.Second)
	if senderName == "" {
		senderName = b.users[senderID]
	}
	m := wireMessage{
		ID:              b.nextMsg,
		RoomID:          roomID,
		SenderID:        senderID,
		SenderName:      senderName,
		Content:         content,
		CreatedAt:       b.clock.Format(localLayout),
		ClientMessageID: cid,
	}
	b.messages[roomID] = append(b.messages[roomID], m)
	return m
}

// AddUser registers a user and returns a login code for it.
func (b *Backend) AddUser(userID int64, name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[userID] = name
	code := "code-" + strconv.FormatInt(userID, 10)
	b.codes[code] = userID
	return code
}

// AddPost registers a listing.
func (b *Backend) AddPost(p proto.Post) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posts[p.PostID.Int64()] = p
}

// EnsureRoom returns the room of two users, creating it when missing.
func (b *Backend) EnsureRoom(a, c int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.findLocked(a, c); ok {
		return r.id
	}
	b.nextRoom++
	b.rooms = append(b.rooms, room{id: b.nextRoom, user1: a, user2: c})
	return b.nextRoom
}

// Seed appends messages from senderID to a room's history, oldest first.
func (b *Backend) Seed(roomID, senderID int64, contents ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, content := range contents {
		b.appendLocked(roomID, senderID, "", content, "")
	}
}

// History returns the contents stored for a room, oldest first.
func (b *Backend) History(roomID int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.messages[roomID]))
	for _, m := range b.messages[roomID] {
		out = append(out, m.Content)
	}
	return out
}

// Rooms returns the ids of every room, sorted.
func (b *Backend) Rooms() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, 0, len(b.rooms))
	for _, r := range b.rooms {
		out = append(out, r.id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tokens mints a valid access token and a refresh token for userID.
func (b *Backend) Tokens(userID int64) (access, refresh string) {
	access = b.MintToken(userID, time.Now())
	refresh = "refresh-" + strconv.FormatInt(userID, 10) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	b.mu.Lock()
	b.refreshes[refresh] = userID
	b.mu.Unlock()
	return access, refresh
}

// MintToken signs an access token issued at issuedAt. A past issuedAt yields
// an expired token.
func (b *Backend) MintToken(userID int64, issuedAt time.Time) string {
	token, err := auth.GenerateToken(b.jwt, userID, issuedAt)
	if err != nil {
		panic(err)
	}
	return token
}

// Revoke makes the backend reject token while it still looks unexpired.
func (b *Backend) Revoke(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[token] = true
}

// RevokeRefresh invalidates a refresh token.
func (b *Backend) RevokeRefresh(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.refreshes, token)
}

// Calls returns how often a route was hit. Names are login, find_room,
// create_room, history, rooms, post, profile and refresh.
func (b *Backend) Calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}
