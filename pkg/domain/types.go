package domain

import (
	"encoding/json"
	"time"
)

type OrderStatus string

const (
	OrderUnpaid  OrderStatus = "unpaid"
	OrderPaid    OrderStatus = "paid"
	OrderShipped OrderStatus = "shipped"
)

// User is an account record. Token and Terminal hold the single live
// session credential; writing a new pair supersedes the old one.
type User struct {
	UserID   string `json:"user_id"`
	Password string `json:"-"`
	Balance  int64  `json:"balance"`
	Token    string `json:"-"`
	Terminal string `json:"-"`
}

// Shop binds a storefront id to its owner. Never mutated after creation.
type Shop struct {
	StoreID string `json:"store_id"`
	UserID  string `json:"user_id"`
}

// BookListing is one title on sale in one shop. (StoreID, BookID) is unique.
type BookListing struct {
	StoreID    string          `json:"store_id"`
	BookID     string          `json:"book_id"`
	BookInfo   json.RawMessage `json:"book_info"`
	StockLevel int64           `json:"stock_level"`
}

// Order moves unpaid -> paid -> shipped, forward only.
type Order struct {
	OrderID    string      `json:"order_id"`
	UserID     string      `json:"user_id"`
	StoreID    string      `json:"store_id"`
	Status     OrderStatus `json:"status"`
	TotalPrice int64       `json:"total_price"`
	CreatedAt  time.Time   `json:"created_at"`
}

type OrderItem struct {
	OrderID string `json:"order_id"`
	BookID  string `json:"book_id"`
	Count   int64  `json:"count"`
	Price   int64  `json:"price"`
}

// CatalogBook is one row of the bulk-loaded book catalog.
type CatalogBook struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Author        string   `json:"author,omitempty"`
	Publisher     string   `json:"publisher,omitempty"`
	OriginalTitle string   `json:"original_title,omitempty"`
	Translator    string   `json:"translator,omitempty"`
	PubYear       string   `json:"pub_year,omitempty"`
	Pages         int      `json:"pages,omitempty"`
	Price         int64    `json:"price"`
	CurrencyUnit  string   `json:"currency_unit,omitempty"`
	Binding       string   `json:"binding,omitempty"`
	ISBN          string   `json:"isbn,omitempty"`
	AuthorIntro   string   `json:"author_intro,omitempty"`
	BookIntro     string   `json:"book_intro,omitempty"`
	Content       string   `json:"content,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	CoverKey      string   `json:"-"`
}
