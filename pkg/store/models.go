package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	UserID    string `gorm:"primaryKey"`
	Password  string `gorm:"not null"`
	Balance   int64  `gorm:"not null;default:0"`
	Token     string
	Terminal  string
	CreatedAt time.Time `gorm:"not null"`
}

type ShopModel struct {
	StoreID string `gorm:"primaryKey"`
	UserID  string `gorm:"not null;index"`
}

type ListingModel struct {
	StoreID    string         `gorm:"primaryKey"`
	BookID     string         `gorm:"primaryKey"`
	BookInfo   datatypes.JSON `gorm:"type:jsonb"`
	StockLevel int64          `gorm:"not null"`
}

type OrderModel struct {
	OrderID    string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index"`
	StoreID    string    `gorm:"not null;index"`
	Status     string    `gorm:"not null;index"`
	TotalPrice int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

type OrderItemModel struct {
	OrderID string `gorm:"primaryKey"`
	BookID  string `gorm:"primaryKey"`
	Count   int64  `gorm:"not null"`
	Price   int64  `gorm:"not null"`
}

type CatalogBookModel struct {
	ID            string `gorm:"primaryKey"`
	Title         string `gorm:"not null;index"`
	Author        string `gorm:"index"`
	Publisher     string
	OriginalTitle string
	Translator    string
	PubYear       string
	Pages         int
	Price         int64
	CurrencyUnit  string
	Binding       string
	ISBN          string         `gorm:"column:isbn"`
	AuthorIntro   string         `gorm:"type:text"`
	BookIntro     string         `gorm:"type:text"`
	Content       string         `gorm:"type:text"`
	Tags          datatypes.JSON `gorm:"type:jsonb"`
	CoverKey      string
}
