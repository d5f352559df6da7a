package chat

import (
	"errors"
	"fmt"
)

// Notice codes shown next to user-facing messages.
const (
	NoticeCodeInvalidParticipants = "invalid_participants"
	NoticeCodeRoomResolution      = "room_resolution"
	NoticeCodeHistoryLoad         = "history_load"
	NoticeCodeNotConnected        = "not_connected"
	NoticeCodeTransport           = "transport"
	NoticeCodeRateLimited         = "rate_limited"
	NoticeCodeSessionExpired      = "session_expired"
	NoticeCodeEmptyMessage        = "empty_message"
	NoticeCodeInternal            = "internal"
)

var (
	ErrInvalidParticipants = errors.New("buyer and seller must be two distinct users")
	ErrNotConnected        = errors.New("not connected")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrRateLimited         = errors.New("sending too fast")
	ErrUnmounted           = errors.New("chat view unmounted")
	ErrAlreadyMounted      = errors.New("chat view already mounted")
	ErrSessionExpired      = errors.New("session expired")
)

// RoomResolutionError wraps a failed find-or-create.
type RoomResolutionError struct {
	BuyerID  int64
	SellerID int64
	Err      error
}

func (e *RoomResolutionError) Error() string {
	return fmt.Sprintf("resolve room %d/%d: %v", e.BuyerID, e.SellerID, e.Err)
}

func (e *RoomResolutionError) Unwrap() error { return e.Err }

// HistoryLoadError wraps a failed history page fetch.
type HistoryLoadError struct {
	RoomID int64
	Page   int
	Err    error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history room %d page %d: %v", e.RoomID, e.Page, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

// TransportError is a connection-level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Notice is the user-facing rendition of an error.
type Notice struct {
	Code    string
	Message string
}

func (n *Notice) Error() string {
	return n.Message
}

func notice(code, msg string) *Notice {
	return &Notice{Code: code, Message: msg}
}

// NoticeFor translates err into a message for the user. It returns nil for a
// nil error.
func NoticeFor(err error) *Notice {
	if err == nil {
		return nil
	}

	var (
		resolveErr *RoomResolutionError
		historyErr *HistoryLoadError
		transErr   *TransportError
	)

	switch {
	case errors.Is(err, ErrSessionExpired):
		return notice(NoticeCodeSessionExpired, "Your session has expired. Please sign in again.")
	case errors.Is(err, ErrInvalidParticipants):
		return notice(NoticeCodeInvalidParticipants, "You cannot start a chat about your own listing.")
	case errors.As(err, &resolveErr):
		return notice(NoticeCodeRoomResolution, "Could not open the chat room. Please try again later.")
	case errors.As(err, &historyErr):
		return notice(NoticeCodeHistoryLoad, "Could not load previous messages.")
	case errors.Is(err, ErrNotConnected):
		return notice(NoticeCodeNotConnected, "Not connected. Your message was not sent.")
	case errors.Is(err, ErrRateLimited):
		return notice(NoticeCodeRateLimited, "You are sending messages too quickly.")
	case errors.Is(err, ErrEmptyMessage):
		return notice(NoticeCodeEmptyMessage, "Type a message first.")
	case errors.As(err, &transErr):
		return notice(NoticeCodeTransport, "Connection to the chat server failed.")
	default:
		return notice(NoticeCodeInternal, "Something went wrong.")
	}
}
