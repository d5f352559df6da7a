package chat

import (
	"context"
	"errors"
	"testing"
)

func TestResolverCreatesThenReuses(t *testing.T) {
	api := newFakeRoomAPI()
	r := NewResolver(api, nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, 1, 2)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := r.Resolve(ctx, 1, 2)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("room ids differ: %d vs %d", first, second)
	}

	// The pair is unordered.
	reversed, err := r.Resolve(ctx, 2, 1)
	if err != nil {
		t.Fatalf("reversed resolve: %v", err)
	}
	if reversed != first {
		t.Fatalf("reversed pair got room %d, want %d", reversed, first)
	}
}

func TestResolverRejectsInvalidParticipants(t *testing.T) {
	cases := []struct {
		name          string
		buyer, seller int64
	}{
		{"self chat", 5, 5},
		{"zero buyer", 0, 5},
		{"negative seller", 5, -1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeRoomAPI()
			r := NewResolver(api, nil)

			_, err := r.Resolve(context.Background(), tc.buyer, tc.seller)
			if !errors.Is(err, ErrInvalidParticipants) {
				t.Fatalf("expected ErrInvalidParticipants, got %v", err)
			}
			if api.callCount() != 0 {
				t.Fatalf("expected no API calls, got %d", api.callCount())
			}
		})
	}
}

func TestResolverWrapsBackendErrors(t *testing.T) {
	api := newFakeRoomAPI()
	api.findErr = errBackend
	r := NewResolver(api, nil)

	_, err := r.Resolve(context.Background(), 1, 2)
	var resErr *RoomResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected RoomResolutionError, got %v", err)
	}
	if resErr.BuyerID != 1 || resErr.SellerID != 2 || !errors.Is(err, errBackend) {
		t.Fatalf("unexpected error: %+v", resErr)
	}
}

type zeroRoomAPI struct{}

func (zeroRoomAPI) FindRoom(ctx context.Context, a, b int64) (int64, bool, error) {
	return 0, false, nil
}

func (zeroRoomAPI) CreateRoom(ctx context.Context, a, b int64) (int64, error) {
	return 0, nil
}

func TestResolverRejectsMissingRoomID(t *testing.T) {
	r := NewResolver(zeroRoomAPI{}, nil)

	_, err := r.Resolve(context.Background(), 1, 2)
	var resErr *RoomResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected RoomResolutionError, got %v", err)
	}
}
