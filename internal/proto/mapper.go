package proto

import "github.com/vovakirdan/marketchat/internal/chat"

// ToMessage converts a wire message to the domain model. roomID is used when
// the payload omits it.
func ToMessage(m ChatMessage, roomID int64) chat.Message {
	id := m.ID.Int64()
	if id == 0 {
		id = m.MessageID.Int64()
	}
	if r := m.RoomID.Int64(); r != 0 {
		roomID = r
	}
	return chat.Message{
		ID:            id,
		RoomID:        roomID,
		SenderID:      m.SenderID.Int64(),
		SenderName:    m.SenderName,
		Content:       m.Content,
		CreatedAt:     m.CreatedAt.Time,
		CorrelationID: m.ClientMessageID,
	}
}

// ToMessages converts a history page, preserving order.
func ToMessages(list MessageList, roomID int64) []chat.Message {
	out := make([]chat.Message, 0, len(list))
	for _, m := range list {
		out = append(out, ToMessage(m, roomID))
	}
	return out
}

// FromOutgoing builds the SEND payload for a message.
func FromOutgoing(o chat.Outgoing) ChatPublish {
	return ChatPublish{
		RoomID:          o.RoomID,
		SenderID:        o.SenderID,
		SenderName:      o.SenderName,
		Content:         o.Content,
		ClientMessageID: o.CorrelationID,
	}
}

// ToRoomSummary normalizes a room list entry as seen by userID.
func ToRoomSummary(item RoomListItem, userID int64) chat.RoomSummary {
	s := chat.RoomSummary{
		Room: chat.Room{
			ID:           item.RoomID.Int64(),
			ParticipantA: item.User1ID.Int64(),
			ParticipantB: item.User2ID.Int64(),
		},
	}

	if s.ParticipantA == userID {
		s.PartnerID = s.ParticipantB
		s.PartnerName = item.User2Name
		s.PartnerImageURL = item.User2ProfileImg
	} else {
		s.PartnerID = s.ParticipantA
		s.PartnerName = item.User1Name
		s.PartnerImageURL = item.User1ProfileImg
	}
	if s.PartnerName == "" {
		s.PartnerName = item.UserName
	}

	latest := item.LatestMessageDto
	if latest == nil {
		latest = item.LastMessage
	}
	if latest != nil && latest.Content != "" {
		s.Latest = &chat.Message{
			RoomID:    s.ID,
			SenderID:  latest.SenderID.Int64(),
			Content:   latest.Content,
			CreatedAt: latest.CreatedAt.Time,
		}
	}
	return s
}

// ToListing converts a post to the chat header model.
func ToListing(p Post) chat.Listing {
	l := chat.Listing{
		ID:         p.PostID.Int64(),
		SellerID:   p.UserID.Int64(),
		Name:       p.Name,
		AuthorName: p.AuthorName,
		TradeType:  p.TradeType,
		Price:      p.Price,
	}
	if len(p.ProductImageURLs) > 0 {
		l.ImageURL = p.ProductImageURLs[0]
	}
	return l
}

// ToProfile converts profile details.
func ToProfile(p ProfileDetails) chat.Profile {
	return chat.Profile{
		UserID:   p.UserID.Int64(),
		Name:     p.Name,
		ImageURL: p.ProfileImageURL,
	}
}
