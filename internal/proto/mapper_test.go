package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFlexIDVariants(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{`12`, 12},
		{`"34"`, 34},
		{`"none"`, 0},
		{`"None"`, 0},
		{`""`, 0},
		{`null`, 0},
	}
	for _, tc := range cases {
		var ref RoomRef
		if err := json.Unmarshal([]byte(`{"roomId":`+tc.in+`}`), &ref); err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if ref.RoomID.Int64() != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.in, ref.RoomID, tc.want)
		}
	}

	var ref RoomRef
	if err := json.Unmarshal([]byte(`{"roomId":"abc"}`), &ref); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestTimestampVariants(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	cases := []string{
		`"2024-05-01T12:30:00Z"`,
		`"2024-05-01T21:30:00+09:00"`,
		`"2024-05-01T12:30:00"`,
		`"2024-05-01T12:30:00.000"`,
		`1714566600000`,
	}
	for _, in := range cases {
		var ts Timestamp
		if err := json.Unmarshal([]byte(in), &ts); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if !ts.Equal(want) {
			t.Fatalf("%s: got %v, want %v", in, ts.Time, want)
		}
	}
}

func TestMessageListShapes(t *testing.T) {
	arr := `[{"id":2,"senderId":1,"content":"b","createdAt":"2024-05-01T12:00:01"},{"id":1,"senderId":"2","content":"a","createdAt":"2024-05-01T12:00:00"}]`
	page := `{"content":[{"messageId":2,"senderId":1,"content":"b"}],"totalPages":1}`

	var a MessageList
	if err := json.Unmarshal([]byte(arr), &a); err != nil {
		t.Fatalf("array: %v", err)
	}
	if len(a) != 2 || a[1].SenderID != 2 {
		t.Fatalf("unexpected array decode: %+v", a)
	}

	var p MessageList
	if err := json.Unmarshal([]byte(page), &p); err != nil {
		t.Fatalf("page: %v", err)
	}
	msgs := ToMessages(p, 7)
	if len(msgs) != 1 || msgs[0].ID != 2 || msgs[0].RoomID != 7 {
		t.Fatalf("unexpected page decode: %+v", msgs)
	}
}

func TestRoomSummaryDrift(t *testing.T) {
	current := `{"roomId":5,"user1Id":1,"user2Id":2,"user1Name":"alice","user2Name":"bob",
		"latestMessageDto":{"senderId":2,"content":"see you","createdAt":"2024-05-01T12:00:00"}}`
	legacy := `{"roomId":"5","user1Id":2,"user2Id":1,"userName":"bob","lastMessage":"see you"}`

	for name, body := range map[string]string{"current": current, "legacy": legacy} {
		var item RoomListItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		s := ToRoomSummary(item, 1)
		if s.ID != 5 || s.PartnerID != 2 || s.PartnerName != "bob" {
			t.Fatalf("%s: unexpected summary %+v", name, s)
		}
		if s.Latest == nil || s.Latest.Content != "see you" {
			t.Fatalf("%s: unexpected latest %+v", name, s.Latest)
		}
	}
}

func TestPublishPayload(t *testing.T) {
	body, err := json.Marshal(ChatPublish{RoomID: 7, SenderID: 1, SenderName: "alice", Content: "hi"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"roomId":7,"senderId":1,"senderName":"alice","content":"hi"}`
	if string(body) != want {
		t.Fatalf("got %s, want %s", body, want)
	}
}

func TestListingPrice(t *testing.T) {
	for _, body := range []string{
		`{"postId":3,"userId":2,"name":"tent","price":15000.50,"productImageUrls":["a.png","b.png"]}`,
		`{"postId":"3","userId":2,"name":"tent","price":"15000.50","productImageUrls":["a.png"]}`,
	} {
		var p Post
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			t.Fatalf("decode post: %v", err)
		}
		l := ToListing(p)
		if l.ID != 3 || l.SellerID != 2 || l.ImageURL != "a.png" || !l.Price.Equal(decimal.RequireFromString("15000.5")) {
			t.Fatalf("unexpected listing: %+v", l)
		}
	}
}

func TestRefreshResponseToken(t *testing.T) {
	for _, body := range []string{`{"accessToken":"new"}`, `{"data":{"accessToken":"new"}}`} {
		var r RefreshResponse
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if r.Token() != "new" {
			t.Fatalf("%s: got %q", body, r.Token())
		}
	}
}
