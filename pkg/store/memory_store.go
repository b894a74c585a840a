package store

import (
	"sort"
	"strings"
	"sync"

	"bookstore/pkg/domain"
)

type listingKey struct {
	storeID string
	bookID  string
}

// MemoryStore is an in-process Store with the same conditional-update
// semantics as GormStore. It backs unit tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	shops    map[string]domain.Shop
	listings map[listingKey]domain.BookListing
	orders   map[string]domain.Order
	items    map[string][]domain.OrderItem
	catalog  map[string]domain.CatalogBook
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		shops:    make(map[string]domain.Shop),
		listings: make(map[listingKey]domain.BookListing),
		orders:   make(map[string]domain.Order),
		items:    make(map[string][]domain.OrderItem),
		catalog:  make(map[string]domain.CatalogBook),
	}
}

func (s *MemoryStore) CreateUser(u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.UserID]; ok {
		return ErrDuplicateKey
	}
	s.users[u.UserID] = u
	return nil
}

func (s *MemoryStore) GetUser(userID string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	return u, ok, nil
}

func (s *MemoryStore) GetUserPassword(userID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return "", false, nil
	}
	return u.Password, true, nil
}

func (s *MemoryStore) HasUser(userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok, nil
}

func (s *MemoryStore) SetUserSession(userID, token, terminal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	u.Token = token
	u.Terminal = terminal
	s.users[userID] = u
	return true, nil
}

func (s *MemoryStore) SetUserPassword(userID, password, token, terminal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	u.Password = password
	u.Token = token
	u.Terminal = terminal
	s.users[userID] = u
	return true, nil
}

func (s *MemoryStore) AddBalance(userID string, delta int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	u.Balance += delta
	s.users[userID] = u
	return true, nil
}

func (s *MemoryStore) DeductBalance(userID string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.Balance < amount {
		return false, nil
	}
	u.Balance -= amount
	s.users[userID] = u
	return true, nil
}

func (s *MemoryStore) DeleteUser(userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return false, nil
	}
	delete(s.users, userID)
	return true, nil
}

func (s *MemoryStore) CreateShop(shop domain.Shop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shops[shop.StoreID]; ok {
		return ErrDuplicateKey
	}
	s.shops[shop.StoreID] = shop
	return nil
}

func (s *MemoryStore) GetShop(storeID string) (domain.Shop, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shop, ok := s.shops[storeID]
	return shop, ok, nil
}

func (s *MemoryStore) HasShop(storeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.shops[storeID]
	return ok, nil
}

func (s *MemoryStore) CreateListing(listing domain.BookListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := listingKey{listing.StoreID, listing.BookID}
	if _, ok := s.listings[key]; ok {
		return ErrDuplicateKey
	}
	s.listings[key] = listing
	return nil
}

func (s *MemoryStore) GetListing(storeID, bookID string) (domain.BookListing, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	listing, ok := s.listings[listingKey{storeID, bookID}]
	return listing, ok, nil
}

func (s *MemoryStore) HasListing(storeID, bookID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.listings[listingKey{storeID, bookID}]
	return ok, nil
}

func (s *MemoryStore) AddStock(storeID, bookID string, delta int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := listingKey{storeID, bookID}
	listing, ok := s.listings[key]
	if !ok {
		return false, nil
	}
	listing.StockLevel += delta
	s.listings[key] = listing
	return true, nil
}

func (s *MemoryStore) DeductStock(storeID, bookID string, count int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := listingKey{storeID, bookID}
	listing, ok := s.listings[key]
	if !ok || listing.StockLevel < count {
		return false, nil
	}
	listing.StockLevel -= count
	s.listings[key] = listing
	return true, nil
}

func (s *MemoryStore) ListingBookIDs(storeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for key := range s.listings {
		if key.storeID == storeID {
			ids = append(ids, key.bookID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CreateOrder(order domain.Order, items []domain.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; ok {
		return ErrDuplicateKey
	}
	s.orders[order.OrderID] = order
	s.items[order.OrderID] = append([]domain.OrderItem(nil), items...)
	return nil
}

func (s *MemoryStore) GetOrder(orderID string) (domain.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	return order, ok, nil
}

func (s *MemoryStore) SetOrderStatus(orderID string, status domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	order.Status = status
	s.orders[orderID] = order
	return nil
}

func (s *MemoryStore) SetOrderStatusIf(orderID string, from, to domain.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	s.orders[orderID] = order
	return true, nil
}

func (s *MemoryStore) ListOrderItems(orderID string) ([]domain.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := append([]domain.OrderItem(nil), s.items[orderID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].BookID < items[j].BookID })
	return items, nil
}

func (s *MemoryStore) ReplaceCatalog(books []domain.CatalogBook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = make(map[string]domain.CatalogBook, len(books))
	for _, book := range books {
		s.catalog[book.ID] = book
	}
	return nil
}

func (s *MemoryStore) GetCatalogBook(id string) (domain.CatalogBook, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.catalog[id]
	return book, ok, nil
}

func (s *MemoryStore) SearchCatalog(q CatalogQuery) ([]domain.CatalogBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var allowed map[string]bool
	if len(q.BookIDs) > 0 {
		allowed = make(map[string]bool, len(q.BookIDs))
		for _, id := range q.BookIDs {
			allowed[id] = true
		}
	}

	var books []domain.CatalogBook
	for _, book := range s.catalog {
		if allowed != nil && !allowed[book.ID] {
			continue
		}
		if !containsFold(book.Title, q.Title) || !containsFold(book.Content, q.Content) {
			continue
		}
		if q.Tag != "" && !anyTagContains(book.Tags, q.Tag) {
			continue
		}
		books = append(books, book)
	}
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })

	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if len(books) > limit {
		books = books[:limit]
	}
	return books, nil
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func anyTagContains(tags []string, needle string) bool {
	for _, tag := range tags {
		if containsFold(tag, needle) {
			return true
		}
	}
	return false
}
