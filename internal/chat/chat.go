package chat

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ConnState is the lifecycle state of a realtime transport.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnReconnecting
	ConnClosed
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnReconnecting:
		return "reconnecting"
	case ConnClosed:
		return "closed"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can leave the state.
func (s ConnState) Terminal() bool {
	return s == ConnClosed || s == ConnFailed
}

// Message is the domain model for a chat message.
type Message struct {
	ID         int64
	RoomID     int64
	SenderID   int64
	SenderName string
	Content    string
	CreatedAt  time.Time
	// CorrelationID is set on messages this client originated.
	CorrelationID string
}

// IsFrom reports whether the message was sent by userID.
func (m Message) IsFrom(userID int64) bool {
	return m.SenderID == userID
}

// Outgoing is a message about to be published.
type Outgoing struct {
	RoomID        int64
	SenderID      int64
	SenderName    string
	Content       string
	CorrelationID string
}

// Message returns the optimistic local copy of o.
func (o Outgoing) Message(at time.Time) Message {
	return Message{
		RoomID:        o.RoomID,
		SenderID:      o.SenderID,
		SenderName:    o.SenderName,
		Content:       o.Content,
		CreatedAt:     at,
		CorrelationID: o.CorrelationID,
	}
}

// Room is a conversation between exactly two participants.
type Room struct {
	ID           int64
	ParticipantA int64
	ParticipantB int64
}

// RoomSummary is one row of the user's room list.
type RoomSummary struct {
	Room
	PartnerID       int64
	PartnerName     string
	PartnerImageURL string
	Latest          *Message
}

// Listing is the marketplace post a conversation is about.
type Listing struct {
	ID         int64
	SellerID   int64
	Name       string
	AuthorName string
	TradeType  string
	ImageURL   string
	Price      decimal.Decimal
}

// Profile is the public part of a user profile.
type Profile struct {
	UserID   int64
	Name     string
	ImageURL string
}

// Identity exposes the signed-in user to the chat core. Implementations
// are read-only from the core's point of view.
type Identity interface {
	UserID() int64
	UserName() string
	AccessToken() string
}

// Transport is a live publish/subscribe channel bound to one room.
type Transport interface {
	// Subscribe registers the inbound handler. Handlers are called in
	// arrival order from a single goroutine.
	Subscribe(handler func(Message))
	Publish(ctx context.Context, msg Outgoing) error
	State() ConnState
	Close() error
}

// Dialer opens transports. onState is called on every state transition.
type Dialer interface {
	Open(ctx context.Context, roomID int64, token string, onState func(ConnState)) (Transport, error)
}

// HistorySource fetches one page of past messages, newest first.
type HistorySource interface {
	History(ctx context.Context, roomID int64, page, size int) ([]Message, error)
}

// RoomAPI is the backend side of room resolution.
type RoomAPI interface {
	// FindRoom reports found=false when the pair has no room yet.
	FindRoom(ctx context.Context, userA, userB int64) (roomID int64, found bool, err error)
	CreateRoom(ctx context.Context, userA, userB int64) (int64, error)
}

// RoomResolver turns a participant pair into a room id.
type RoomResolver interface {
	Resolve(ctx context.Context, buyerID, sellerID int64) (int64, error)
}

// ListingSource fetches listing metadata for the chat header.
type ListingSource interface {
	Listing(ctx context.Context, listingID int64) (Listing, error)
}

// ProfileSource fetches partner profiles.
type ProfileSource interface {
	Profile(ctx context.Context, userID int64) (Profile, error)
}
