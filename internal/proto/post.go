package proto

import "github.com/shopspring/decimal"

// Post is the body of GET /posts/{postId}. Only the fields shown in the chat
// header are decoded.
type Post struct {
	PostID           FlexID          `json:"postId"`
	UserID           FlexID          `json:"userId"`
	AuthorName       string          `json:"authorName,omitempty"`
	TradeType        string          `json:"tradeType,omitempty"`
	Name             string          `json:"name"`
	ProductImageURLs []string        `json:"productImageUrls,omitempty"`
	Price            decimal.Decimal `json:"price"`
	Status           string          `json:"status,omitempty"`
}
