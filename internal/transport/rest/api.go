package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vovakirdan/marketchat/internal/chat"
	"github.com/vovakirdan/marketchat/internal/proto"
)

var (
	_ chat.RoomAPI       = (*Client)(nil)
	_ chat.HistorySource = (*Client)(nil)
	_ chat.ListingSource = (*Client)(nil)
	_ chat.ProfileSource = (*Client)(nil)
)

func id(v int64) string { return strconv.FormatInt(v, 10) }

// FindRoom looks up the room shared by two users. A 404 or a "none" room id
// means the pair has no room yet.
func (c *Client) FindRoom(ctx context.Context, userA, userB int64) (int64, bool, error) {
	var env proto.Envelope[proto.RoomRef]
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/chatRooms/{user1Id}/{user2Id}",
		path:   "/chatRooms/" + id(userA) + "/" + id(userB),
	}, &env)
	if IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	roomID := env.Data.RoomID.Int64()
	return roomID, roomID > 0, nil
}

// CreateRoom creates a room for two users and returns its id.
func (c *Client) CreateRoom(ctx context.Context, userA, userB int64) (int64, error) {
	var env proto.Envelope[proto.RoomRef]
	err := c.do(ctx, request{
		method: http.MethodPost,
		route:  "/chatRooms",
		path:   "/chatRooms",
		body:   proto.CreateRoomRequest{User1ID: userA, User2ID: userB},
	}, &env)
	if err != nil {
		return 0, err
	}
	return env.Data.RoomID.Int64(), nil
}

// History returns one page of a room's messages, newest first.
func (c *Client) History(ctx context.Context, roomID int64, page, size int) ([]chat.Message, error) {
	var env proto.Envelope[proto.MessageList]
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/chats/messages/{roomId}",
		path:   "/chats/messages/" + id(roomID),
		query:  url.Values{"page": {strconv.Itoa(page)}, "size": {strconv.Itoa(size)}},
	}, &env)
	if err != nil {
		return nil, err
	}
	return proto.ToMessages(env.Data, roomID), nil
}

// Rooms lists the rooms userID takes part in.
func (c *Client) Rooms(ctx context.Context, userID int64) ([]chat.RoomSummary, error) {
	var env proto.Envelope[[]proto.RoomListItem]
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/chats/chattingList/{userId}",
		path:   "/chats/chattingList/" + id(userID),
	}, &env)
	if err != nil {
		return nil, err
	}
	out := make([]chat.RoomSummary, 0, len(env.Data))
	for _, item := range env.Data {
		out = append(out, proto.ToRoomSummary(item, userID))
	}
	return out, nil
}

// Listing fetches the post a conversation is about.
func (c *Client) Listing(ctx context.Context, listingID int64) (chat.Listing, error) {
	var env proto.Envelope[proto.Post]
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/posts/{postId}",
		path:   "/posts/" + id(listingID),
	}, &env)
	if err != nil {
		return chat.Listing{}, err
	}
	return proto.ToListing(env.Data), nil
}

// Profile fetches a user's public profile.
func (c *Client) Profile(ctx context.Context, userID int64) (chat.Profile, error) {
	var env proto.Envelope[proto.ProfileDetails]
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/profile/details/{userId}",
		path:   "/profile/details/" + id(userID),
	}, &env)
	if err != nil {
		return chat.Profile{}, err
	}
	p := proto.ToProfile(env.Data)
	if p.UserID == 0 {
		p.UserID = userID
	}
	return p, nil
}

// Login exchanges an OAuth authorization code for the user and its tokens.
func (c *Client) Login(ctx context.Context, code string) (proto.LoginData, error) {
	if code == "" {
		return proto.LoginData{}, fmt.Errorf("login: empty authorization code")
	}
	var env proto.Envelope[proto.LoginData]
	err := c.do(ctx, request{
		method: http.MethodGet,
		route:  "/users/login",
		path:   "/users/login",
		query:  url.Values{"code": {code}},
		public: true,
	}, &env)
	if err != nil {
		return proto.LoginData{}, err
	}
	if env.Data.JWTToken.AccessToken == "" {
		return proto.LoginData{}, fmt.Errorf("login: response carries no access token")
	}
	return env.Data, nil
}
