package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bookstore/pkg/domain"
)

const migrateLockID int64 = 82460731

const defaultSearchLimit = 100

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent replicas do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&ShopModel{},
			&ListingModel{},
			&OrderModel{},
			&OrderItemModel{},
			&CatalogBookModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func translateDuplicate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	return err
}

// CreateUser inserts a new account; a primary-key clash yields ErrDuplicateKey.
func (s *GormStore) CreateUser(u domain.User) error {
	model := userToModel(u)
	return translateDuplicate(s.db.Create(&model).Error)
}

// GetUser returns a full account record.
func (s *GormStore) GetUser(userID string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserPassword fetches only the password column.
func (s *GormStore) GetUserPassword(userID string) (string, bool, error) {
	var model UserModel
	if err := s.db.Select("password").First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return model.Password, true, nil
}

// HasUser checks account existence.
func (s *GormStore) HasUser(userID string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetUserSession overwrites the live token and terminal.
func (s *GormStore) SetUserSession(userID, token, terminal string) (bool, error) {
	tx := s.db.Model(&UserModel{}).Where("user_id = ?", userID).Updates(map[string]any{
		"token":    token,
		"terminal": terminal,
	})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// SetUserPassword writes the new password hash and session pair in one statement.
func (s *GormStore) SetUserPassword(userID, password, token, terminal string) (bool, error) {
	tx := s.db.Model(&UserModel{}).Where("user_id = ?", userID).Updates(map[string]any{
		"password": password,
		"token":    token,
		"terminal": terminal,
	})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// AddBalance credits delta atomically.
func (s *GormStore) AddBalance(userID string, delta int64) (bool, error) {
	tx := s.db.Model(&UserModel{}).Where("user_id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", delta))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// DeductBalance debits amount only when the balance covers it; the condition
// and the write are one statement, so concurrent payments cannot overdraw.
func (s *GormStore) DeductBalance(userID string, amount int64) (bool, error) {
	tx := s.db.Model(&UserModel{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// DeleteUser removes the account row.
func (s *GormStore) DeleteUser(userID string) (bool, error) {
	tx := s.db.Delete(&UserModel{}, "user_id = ?", userID)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// CreateShop registers a storefront; duplicates yield ErrDuplicateKey.
func (s *GormStore) CreateShop(shop domain.Shop) error {
	model := shopToModel(shop)
	return translateDuplicate(s.db.Create(&model).Error)
}

// GetShop returns a storefront with its owner.
func (s *GormStore) GetShop(storeID string) (domain.Shop, bool, error) {
	var model ShopModel
	if err := s.db.First(&model, "store_id = ?", storeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Shop{}, false, nil
		}
		return domain.Shop{}, false, err
	}
	return shopFromModel(model), true, nil
}

// HasShop checks storefront existence.
func (s *GormStore) HasShop(storeID string) (bool, error) {
	var count int64
	if err := s.db.Model(&ShopModel{}).Where("store_id = ?", storeID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateListing puts a title on sale; duplicates yield ErrDuplicateKey.
func (s *GormStore) CreateListing(listing domain.BookListing) error {
	model := listingToModel(listing)
	return translateDuplicate(s.db.Create(&model).Error)
}

// GetListing returns one listing.
func (s *GormStore) GetListing(storeID, bookID string) (domain.BookListing, bool, error) {
	var model ListingModel
	if err := s.db.First(&model, "store_id = ? AND book_id = ?", storeID, bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BookListing{}, false, nil
		}
		return domain.BookListing{}, false, err
	}
	return listingFromModel(model), true, nil
}

// HasListing checks whether a title is on sale in the shop.
func (s *GormStore) HasListing(storeID, bookID string) (bool, error) {
	var count int64
	if err := s.db.Model(&ListingModel{}).
		Where("store_id = ? AND book_id = ?", storeID, bookID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddStock adjusts stock by delta atomically. Negative deltas are applied
// as-is; callers own the arithmetic.
func (s *GormStore) AddStock(storeID, bookID string, delta int64) (bool, error) {
	tx := s.db.Model(&ListingModel{}).
		Where("store_id = ? AND book_id = ?", storeID, bookID).
		Update("stock_level", gorm.Expr("stock_level + ?", delta))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// DeductStock decrements stock only when enough copies remain; condition and
// write are one statement, so concurrent orders cannot oversell.
func (s *GormStore) DeductStock(storeID, bookID string, count int64) (bool, error) {
	tx := s.db.Model(&ListingModel{}).
		Where("store_id = ? AND book_id = ? AND stock_level >= ?", storeID, bookID, count).
		Update("stock_level", gorm.Expr("stock_level - ?", count))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ListingBookIDs returns ids of all titles on sale in a shop.
func (s *GormStore) ListingBookIDs(storeID string) ([]string, error) {
	var ids []string
	if err := s.db.Model(&ListingModel{}).
		Where("store_id = ?", storeID).
		Pluck("book_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateOrder writes the order row and its items in one transaction.
func (s *GormStore) CreateOrder(order domain.Order, items []domain.OrderItem) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		model := orderToModel(order)
		if err := tx.Create(&model).Error; err != nil {
			return translateDuplicate(err)
		}
		if len(items) == 0 {
			return nil
		}
		models := make([]OrderItemModel, 0, len(items))
		for _, item := range items {
			models = append(models, orderItemToModel(item))
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// GetOrder returns one order.
func (s *GormStore) GetOrder(orderID string) (domain.Order, bool, error) {
	var model OrderModel
	if err := s.db.First(&model, "order_id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, err
	}
	return orderFromModel(model), true, nil
}

// SetOrderStatus writes the status keyed by order id alone.
func (s *GormStore) SetOrderStatus(orderID string, status domain.OrderStatus) error {
	return s.db.Model(&OrderModel{}).
		Where("order_id = ?", orderID).
		Update("status", string(status)).Error
}

// SetOrderStatusIf flips the status only when the current value matches from.
func (s *GormStore) SetOrderStatusIf(orderID string, from, to domain.OrderStatus) (bool, error) {
	tx := s.db.Model(&OrderModel{}).
		Where("order_id = ? AND status = ?", orderID, string(from)).
		Update("status", string(to))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ListOrderItems returns the items of an order.
func (s *GormStore) ListOrderItems(orderID string) ([]domain.OrderItem, error) {
	var models []OrderItemModel
	if err := s.db.Where("order_id = ?", orderID).
		Order("book_id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.OrderItem, 0, len(models))
	for _, model := range models {
		items = append(items, orderItemFromModel(model))
	}
	return items, nil
}

// ReplaceCatalog swaps the whole catalog for the given snapshot.
func (s *GormStore) ReplaceCatalog(books []domain.CatalogBook) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Delete(&CatalogBookModel{}).Error; err != nil {
			return err
		}
		if len(books) == 0 {
			return nil
		}
		models := make([]CatalogBookModel, 0, len(books))
		for _, book := range books {
			models = append(models, catalogToModel(book))
		}
		return tx.CreateInBatches(&models, 500).Error
	})
}

// GetCatalogBook returns one catalog row.
func (s *GormStore) GetCatalogBook(id string) (domain.CatalogBook, bool, error) {
	var model CatalogBookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CatalogBook{}, false, nil
		}
		return domain.CatalogBook{}, false, err
	}
	return catalogFromModel(model), true, nil
}

// SearchCatalog runs the substring filters server-side. Tag matching casts
// the jsonb array to text, which is loose on purpose: any tag containing the
// fragment matches.
func (s *GormStore) SearchCatalog(q CatalogQuery) ([]domain.CatalogBook, error) {
	tx := s.db.Model(&CatalogBookModel{})
	if q.Title != "" {
		tx = tx.Where("title ILIKE ?", "%"+q.Title+"%")
	}
	if q.Content != "" {
		tx = tx.Where("content ILIKE ?", "%"+q.Content+"%")
	}
	if q.Tag != "" {
		tx = tx.Where("tags::text ILIKE ?", "%"+q.Tag+"%")
	}
	if len(q.BookIDs) > 0 {
		tx = tx.Where("id IN ?", q.BookIDs)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	var models []CatalogBookModel
	if err := tx.Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	books := make([]domain.CatalogBook, 0, len(models))
	for _, model := range models {
		books = append(books, catalogFromModel(model))
	}
	return books, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		UserID:   u.UserID,
		Password: u.Password,
		Balance:  u.Balance,
		Token:    u.Token,
		Terminal: u.Terminal,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		UserID:   m.UserID,
		Password: m.Password,
		Balance:  m.Balance,
		Token:    m.Token,
		Terminal: m.Terminal,
	}
}

func shopToModel(s domain.Shop) ShopModel {
	return ShopModel{StoreID: s.StoreID, UserID: s.UserID}
}

func shopFromModel(m ShopModel) domain.Shop {
	return domain.Shop{StoreID: m.StoreID, UserID: m.UserID}
}

func listingToModel(l domain.BookListing) ListingModel {
	return ListingModel{
		StoreID:    l.StoreID,
		BookID:     l.BookID,
		BookInfo:   datatypes.JSON(l.BookInfo),
		StockLevel: l.StockLevel,
	}
}

func listingFromModel(m ListingModel) domain.BookListing {
	return domain.BookListing{
		StoreID:    m.StoreID,
		BookID:     m.BookID,
		BookInfo:   json.RawMessage(m.BookInfo),
		StockLevel: m.StockLevel,
	}
}

func orderToModel(o domain.Order) OrderModel {
	return OrderModel{
		OrderID:    o.OrderID,
		UserID:     o.UserID,
		StoreID:    o.StoreID,
		Status:     string(o.Status),
		TotalPrice: o.TotalPrice,
		CreatedAt:  o.CreatedAt,
	}
}

func orderFromModel(m OrderModel) domain.Order {
	return domain.Order{
		OrderID:    m.OrderID,
		UserID:     m.UserID,
		StoreID:    m.StoreID,
		Status:     domain.OrderStatus(m.Status),
		TotalPrice: m.TotalPrice,
		CreatedAt:  m.CreatedAt,
	}
}

func orderItemToModel(i domain.OrderItem) OrderItemModel {
	return OrderItemModel{
		OrderID: i.OrderID,
		BookID:  i.BookID,
		Count:   i.Count,
		Price:   i.Price,
	}
}

func orderItemFromModel(m OrderItemModel) domain.OrderItem {
	return domain.OrderItem{
		OrderID: m.OrderID,
		BookID:  m.BookID,
		Count:   m.Count,
		Price:   m.Price,
	}
}

func catalogToModel(b domain.CatalogBook) CatalogBookModel {
	rawTags, _ := json.Marshal(b.Tags)
	return CatalogBookModel{
		ID:            b.ID,
		Title:         b.Title,
		Author:        b.Author,
		Publisher:     b.Publisher,
		OriginalTitle: b.OriginalTitle,
		Translator:    b.Translator,
		PubYear:       b.PubYear,
		Pages:         b.Pages,
		Price:         b.Price,
		CurrencyUnit:  b.CurrencyUnit,
		Binding:       b.Binding,
		ISBN:          b.ISBN,
		AuthorIntro:   b.AuthorIntro,
		BookIntro:     b.BookIntro,
		Content:       b.Content,
		Tags:          rawTags,
		CoverKey:      b.CoverKey,
	}
}

func catalogFromModel(m CatalogBookModel) domain.CatalogBook {
	var tags []string
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &tags)
	}
	return domain.CatalogBook{
		ID:            m.ID,
		Title:         m.Title,
		Author:        m.Author,
		Publisher:     m.Publisher,
		OriginalTitle: m.OriginalTitle,
		Translator:    m.Translator,
		PubYear:       m.PubYear,
		Pages:         m.Pages,
		Price:         m.Price,
		CurrencyUnit:  m.CurrencyUnit,
		Binding:       m.Binding,
		ISBN:          m.ISBN,
		AuthorIntro:   m.AuthorIntro,
		BookIntro:     m.BookIntro,
		Content:       m.Content,
		Tags:          tags,
		CoverKey:      m.CoverKey,
	}
}
