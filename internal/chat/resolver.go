package chat

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var errNoRoomID = errors.New("backend returned no room id")

// Resolver finds the room for a buyer/seller pair, creating it when the
// backend has none. It keeps no local cache.
type Resolver struct {
	api    RoomAPI
	logger *zerolog.Logger
}

// NewResolver creates a resolver backed by api.
func NewResolver(api RoomAPI, logger *zerolog.Logger) *Resolver {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Resolver{api: api, logger: logger}
}

// Resolve returns the room id shared by buyerID and sellerID.
func (r *Resolver) Resolve(ctx context.Context, buyerID, sellerID int64) (int64, error) {
	if buyerID <= 0 || sellerID <= 0 || buyerID == sellerID {
		return 0, ErrInvalidParticipants
	}

	roomID, found, err := r.api.FindRoom(ctx, buyerID, sellerID)
	if err != nil {
		return 0, &RoomResolutionError{BuyerID: buyerID, SellerID: sellerID, Err: err}
	}
	if found {
		r.logger.Debug().Int64("room_id", roomID).Int64("buyer_id", buyerID).Int64("seller_id", sellerID).Msg("room found")
		return roomID, nil
	}

	roomID, err = r.api.CreateRoom(ctx, buyerID, sellerID)
	if err == nil && roomID <= 0 {
		err = errNoRoomID
	}
	if err != nil {
		return 0, &RoomResolutionError{BuyerID: buyerID, SellerID: sellerID, Err: err}
	}
	r.logger.Info().Int64("room_id", roomID).Int64("buyer_id", buyerID).Int64("seller_id", sellerID).Msg("room created")
	return roomID, nil
}
