package app

import (
	"encoding/json"
	"errors"
	"fmt"

	"bookstore/pkg/domain"
	"bookstore/pkg/store"
)

// Catalog manages shops, their listings, and search over the loaded catalog.
type Catalog struct {
	store store.Store
}

// NewCatalog builds the catalog service.
func NewCatalog(st store.Store) *Catalog {
	return &Catalog{store: st}
}

// CreateShop opens a storefront owned by userID.
func (c *Catalog) CreateShop(userID, storeID string) error {
	ok, err := c.store.HasUser(userID)
	if err != nil {
		return storageErr("check user", err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchUser, userID)
	}
	exists, err := c.store.HasShop(storeID)
	if err != nil {
		return storageErr("check shop", err)
	}
	if exists {
		return fmt.Errorf("%w %s", ErrShopExists, storeID)
	}
	if err := c.store.CreateShop(domain.Shop{StoreID: storeID, UserID: userID}); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("%w %s", ErrShopExists, storeID)
		}
		return storageErr("create shop", err)
	}
	return nil
}

// AddBook puts a new title on sale. Checks run user first, then shop, then
// listing, so the caller always learns about the earliest missing piece.
func (c *Catalog) AddBook(userID, storeID, bookID string, bookInfo json.RawMessage, stockLevel int64) error {
	ok, err := c.store.HasUser(userID)
	if err != nil {
		return storageErr("check user", err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchUser, userID)
	}
	ok, err = c.store.HasShop(storeID)
	if err != nil {
		return storageErr("check shop", err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchShop, storeID)
	}
	exists, err := c.store.HasListing(storeID, bookID)
	if err != nil {
		return storageErr("check listing", err)
	}
	if exists {
		return fmt.Errorf("%w %s", ErrBookExists, bookID)
	}
	listing := domain.BookListing{
		StoreID:    storeID,
		BookID:     bookID,
		BookInfo:   bookInfo,
		StockLevel: stockLevel,
	}
	if err := c.store.CreateListing(listing); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("%w %s", ErrBookExists, bookID)
		}
		return storageErr("create listing", err)
	}
	return nil
}

// Restock adjusts a listing's stock by delta. The delta is applied as given;
// sellers own the arithmetic, including corrections below zero.
func (c *Catalog) Restock(userID, storeID, bookID string, delta int64) error {
	ok, err := c.store.HasUser(userID)
	if err != nil {
		return storageErr("check user", err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchUser, userID)
	}
	ok, err = c.store.HasShop(storeID)
	if err != nil {
		return storageErr("check shop", err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchShop, storeID)
	}
	ok, err = c.store.HasListing(storeID, bookID)
	if err != nil {
		return storageErr("check listing", err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchBook, bookID)
	}
	if _, err := c.store.AddStock(storeID, bookID, delta); err != nil {
		return storageErr("add stock", err)
	}
	return nil
}

// SearchQuery filters SearchBooks. Empty fields do not filter; StoreID
// scopes results to one shop's listings.
type SearchQuery struct {
	Title   string
	Content string
	Tag     string
	StoreID string
	Limit   int
}

// SearchBooks finds catalog books matching every given fragment. A scope
// shop with no listings reads as missing, matching how shops materialize
// through their first listing.
func (c *Catalog) SearchBooks(q SearchQuery) ([]domain.CatalogBook, error) {
	var bookIDs []string
	if q.StoreID != "" {
		ids, err := c.store.ListingBookIDs(q.StoreID)
		if err != nil {
			return nil, storageErr("list shop books", err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w %s", ErrNoSuchShop, q.StoreID)
		}
		bookIDs = ids
	}
	books, err := c.store.SearchCatalog(store.CatalogQuery{
		Title:   q.Title,
		Content: q.Content,
		Tag:     q.Tag,
		BookIDs: bookIDs,
		Limit:   q.Limit,
	})
	if err != nil {
		return nil, storageErr("search catalog", err)
	}
	if len(books) == 0 {
		return nil, ErrNoMatches
	}
	return books, nil
}

// GetBook returns one catalog book by id.
func (c *Catalog) GetBook(id string) (domain.CatalogBook, error) {
	book, ok, err := c.store.GetCatalogBook(id)
	if err != nil {
		return domain.CatalogBook{}, storageErr("fetch catalog book", err)
	}
	if !ok {
		return domain.CatalogBook{}, fmt.Errorf("%w %s", ErrNoSuchBook, id)
	}
	return book, nil
}
