package proto

import "encoding/json"

// STOMP destinations used by the chat broker.
const (
	DefaultSubscribePrefix    = "/sub/chats/"
	DefaultPublishDestination = "/pub/chats/messages"

	ContentTypeJSON = "application/json"
)

// ChatPublish is the body of a SEND frame to the publish destination.
type ChatPublish struct {
	RoomID          int64  `json:"roomId"`
	SenderID        int64  `json:"senderId"`
	SenderName      string `json:"senderName"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// ChatMessage is a message as delivered by the broker or the history
// endpoint. Only senderId, content and createdAt are guaranteed.
type ChatMessage struct {
	ID              FlexID    `json:"id,omitempty"`
	MessageID       FlexID    `json:"messageId,omitempty"`
	RoomID          FlexID    `json:"roomId,omitempty"`
	SenderID        FlexID    `json:"senderId"`
	SenderName      string    `json:"senderName,omitempty"`
	Content         string    `json:"content"`
	CreatedAt       Timestamp `json:"createdAt"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

// Envelope wraps every REST response body.
type Envelope[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

// RoomRef carries a room id. The backend answers "none" or null when a pair
// has no room.
type RoomRef struct {
	RoomID FlexID `json:"roomId"`
}

// CreateRoomRequest is the body of POST /chatRooms.
type CreateRoomRequest struct {
	User1ID int64 `json:"user1Id"`
	User2ID int64 `json:"user2Id"`
}

// MessageList decodes a history page given either as a bare array or as a
// paged object with a content field.
type MessageList []ChatMessage

func (l *MessageList) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		*l = nil
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var arr []ChatMessage
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*l = arr
		return nil
	}
	var page struct {
		Content []ChatMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &page); err != nil {
		return err
	}
	*l = page.Content
	return nil
}

// LatestMessage is the preview of the last message in a room. Older backends
// send lastMessage as a plain string.
type LatestMessage struct {
	SenderID  FlexID    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt Timestamp `json:"createdAt"`
}

func (m *LatestMessage) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		*m = LatestMessage{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = LatestMessage{Content: s}
		return nil
	}
	type plain LatestMessage
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = LatestMessage(p)
	return nil
}

// RoomListItem is one entry of GET /chats/chattingList/{userId}.
type RoomListItem struct {
	RoomID           FlexID         `json:"roomId"`
	User1ID          FlexID         `json:"user1Id"`
	User2ID          FlexID         `json:"user2Id"`
	User1Name        string         `json:"user1Name,omitempty"`
	User2Name        string         `json:"user2Name,omitempty"`
	UserName         string         `json:"userName,omitempty"`
	User1ProfileImg  string         `json:"user1ProfileImg,omitempty"`
	User2ProfileImg  string         `json:"user2ProfileImg,omitempty"`
	LatestMessageDto *LatestMessage `json:"latestMessageDto,omitempty"`
	LastMessage      *LatestMessage `json:"lastMessage,omitempty"`
}

// ProfileDetails is the body of GET /profile/details/{userId}.
type ProfileDetails struct {
	UserID          FlexID `json:"userId"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

// LoginData is the body of GET /users/login.
type LoginData struct {
	ID              FlexID   `json:"id"`
	Status          string   `json:"status,omitempty"`
	Name            string   `json:"name"`
	Email           string   `json:"email,omitempty"`
	PhoneNumber     string   `json:"phoneNumber,omitempty"`
	Birthday        string   `json:"birthday,omitempty"`
	StudentNumber   string   `json:"studentNumber,omitempty"`
	Department      string   `json:"department,omitempty"`
	ProfileImageURL string   `json:"profileImageUrl,omitempty"`
	JWTToken        JWTToken `json:"jwtToken"`
}

// JWTToken is the token pair issued at login.
type JWTToken struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse accepts the access token at the top level or under data.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
	Data        *struct {
		AccessToken string `json:"accessToken"`
	} `json:"data,omitempty"`
}

// Token returns the refreshed access token, wherever it was sent.
func (r RefreshResponse) Token() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	if r.Data != nil {
		return r.Data.AccessToken
	}
	return ""
}

// Error is the body of a failed REST response.
type Error struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Status  int    `json:"status,omitempty"`
}
