package store

import (
	"errors"

	"bookstore/pkg/domain"
)

// ErrDuplicateKey reports an insert that lost a uniqueness race.
var ErrDuplicateKey = errors.New("store: duplicate key")

// CatalogQuery filters a catalog search. Every non-empty text field is a
// case-insensitive substring match; a non-empty BookIDs slice restricts
// results to those ids. Limit <= 0 applies the implementation default.
type CatalogQuery struct {
	Title   string
	Content string
	Tag     string
	BookIDs []string
	Limit   int
}

// Store defines persistence for accounts, shops, listings, orders, and the
// bulk-loaded catalog. Lookups return (value, false, nil) for absent rows.
// Mutations that can race on the same key run as single conditional
// statements; the bool result reports whether a row matched.
type Store interface {
	// users
	CreateUser(domain.User) error
	GetUser(userID string) (domain.User, bool, error)
	GetUserPassword(userID string) (string, bool, error)
	HasUser(userID string) (bool, error)
	SetUserSession(userID, token, terminal string) (bool, error)
	SetUserPassword(userID, password, token, terminal string) (bool, error)
	AddBalance(userID string, delta int64) (bool, error)
	DeductBalance(userID string, amount int64) (bool, error)
	DeleteUser(userID string) (bool, error)

	// shops
	CreateShop(domain.Shop) error
	GetShop(storeID string) (domain.Shop, bool, error)
	HasShop(storeID string) (bool, error)

	// listings
	CreateListing(domain.BookListing) error
	GetListing(storeID, bookID string) (domain.BookListing, bool, error)
	HasListing(storeID, bookID string) (bool, error)
	AddStock(storeID, bookID string, delta int64) (bool, error)
	DeductStock(storeID, bookID string, count int64) (bool, error)
	ListingBookIDs(storeID string) ([]string, error)

	// orders
	CreateOrder(domain.Order, []domain.OrderItem) error
	GetOrder(orderID string) (domain.Order, bool, error)
	SetOrderStatus(orderID string, status domain.OrderStatus) error
	SetOrderStatusIf(orderID string, from, to domain.OrderStatus) (bool, error)
	ListOrderItems(orderID string) ([]domain.OrderItem, error)

	// catalog
	ReplaceCatalog(books []domain.CatalogBook) error
	GetCatalogBook(id string) (domain.CatalogBook, bool, error)
	SearchCatalog(q CatalogQuery) ([]domain.CatalogBook, error)
}
