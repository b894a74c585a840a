package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bookstore/pkg/domain"
	"bookstore/pkg/events"
	"bookstore/pkg/store"
)

// Orders covers funds, order creation, payment, and fulfillment.
type Orders struct {
	store    store.Store
	accounts *Accounts
	events   *events.Stream
}

// NewOrders builds the order service. events may be nil.
func NewOrders(st store.Store, accounts *Accounts, ev *events.Stream) *Orders {
	return &Orders{store: st, accounts: accounts, events: ev}
}

// OrderLine is one requested (book, count) pair.
type OrderLine struct {
	BookID string
	Count  int64
}

// New creates an unpaid order, decrementing stock per line. Stock moves
// before the order row exists; on any later failure the decrements are
// rolled back best-effort.
func (o *Orders) New(userID, storeID string, lines []OrderLine) (string, error) {
	ok, err := o.store.HasUser(userID)
	if err != nil {
		return "", storageErr("check user", err)
	}
	if !ok {
		return "", fmt.Errorf("%w %s", ErrNoSuchUser, userID)
	}
	ok, err = o.store.HasShop(storeID)
	if err != nil {
		return "", storageErr("check shop", err)
	}
	if !ok {
		return "", fmt.Errorf("%w %s", ErrNoSuchShop, storeID)
	}
	if len(lines) == 0 {
		return "", ErrInvalidOrder
	}

	orderID := uuid.NewString()
	var total int64
	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		if line.Count <= 0 {
			o.restoreStock(storeID, items)
			return "", ErrInvalidOrder
		}
		listing, found, err := o.store.GetListing(storeID, line.BookID)
		if err != nil {
			o.restoreStock(storeID, items)
			return "", storageErr("fetch listing", err)
		}
		if !found {
			o.restoreStock(storeID, items)
			return "", fmt.Errorf("%w %s", ErrNoSuchBook, line.BookID)
		}
		taken, err := o.store.DeductStock(storeID, line.BookID, line.Count)
		if err != nil {
			o.restoreStock(storeID, items)
			return "", storageErr("deduct stock", err)
		}
		if !taken {
			o.restoreStock(storeID, items)
			return "", fmt.Errorf("%w %s", ErrStockLow, line.BookID)
		}
		price := priceFromInfo(listing.BookInfo)
		total += price * line.Count
		items = append(items, domain.OrderItem{
			OrderID: orderID,
			BookID:  line.BookID,
			Count:   line.Count,
			Price:   price,
		})
	}

	order := domain.Order{
		OrderID:    orderID,
		UserID:     userID,
		StoreID:    storeID,
		Status:     domain.OrderUnpaid,
		TotalPrice: total,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.CreateOrder(order, items); err != nil {
		o.restoreStock(storeID, items)
		return "", storageErr("create order", err)
	}
	return orderID, nil
}

// restoreStock returns already-decremented copies to their listings.
func (o *Orders) restoreStock(storeID string, items []domain.OrderItem) {
	for _, item := range items {
		if _, err := o.store.AddStock(storeID, item.BookID, item.Count); err != nil {
			slog.Error("restore stock after failed order",
				"store_id", storeID, "book_id", item.BookID, "count", item.Count, "err", err)
		}
	}
}

// AddFunds credits the user's balance after a password check.
func (o *Orders) AddFunds(userID, password string, amount int64) error {
	if err := o.accounts.CheckPassword(userID, password); err != nil {
		return err
	}
	matched, err := o.store.AddBalance(userID, amount)
	if err != nil {
		return storageErr("add balance", err)
	}
	if !matched {
		return ErrAuthorization
	}
	return nil
}

// Pay settles an unpaid order: the buyer's balance is debited, the order
// flips to paid, and the shop owner is credited. Each write is a single
// conditional statement ordered so that a failure part-way leaves money
// with the buyer, never in limbo.
func (o *Orders) Pay(userID, password, orderID string) error {
	if err := o.accounts.CheckPassword(userID, password); err != nil {
		return err
	}
	order, found, err := o.store.GetOrder(orderID)
	if err != nil {
		return storageErr("fetch order", err)
	}
	if !found {
		return fmt.Errorf("%w %s", ErrInvalidOrder, orderID)
	}
	if order.UserID != userID {
		return ErrAuthorization
	}
	if order.Status != domain.OrderUnpaid {
		return fmt.Errorf("%w %s", ErrInvalidOrder, orderID)
	}

	if order.TotalPrice > 0 {
		paid, err := o.store.DeductBalance(userID, order.TotalPrice)
		if err != nil {
			return storageErr("deduct balance", err)
		}
		if !paid {
			return fmt.Errorf("%w %s", ErrInsufficientFunds, orderID)
		}
	}

	flipped, err := o.store.SetOrderStatusIf(orderID, domain.OrderUnpaid, domain.OrderPaid)
	if err != nil {
		o.refund(userID, order.TotalPrice)
		return storageErr("mark order paid", err)
	}
	if !flipped {
		// Lost a concurrent payment race after the debit; give it back.
		o.refund(userID, order.TotalPrice)
		return fmt.Errorf("%w %s", ErrInvalidOrder, orderID)
	}

	o.creditOwner(order)
	o.publish(events.KindOrderPaid, order)
	return nil
}

func (o *Orders) refund(userID string, amount int64) {
	if amount <= 0 {
		return
	}
	if _, err := o.store.AddBalance(userID, amount); err != nil {
		slog.Error("refund after failed payment", "user_id", userID, "amount", amount, "err", err)
	}
}

func (o *Orders) creditOwner(order domain.Order) {
	if order.TotalPrice <= 0 {
		return
	}
	shop, found, err := o.store.GetShop(order.StoreID)
	if err != nil || !found {
		slog.Error("credit shop owner: shop lookup failed",
			"order_id", order.OrderID, "store_id", order.StoreID, "found", found, "err", err)
		return
	}
	if _, err := o.store.AddBalance(shop.UserID, order.TotalPrice); err != nil {
		slog.Error("credit shop owner",
			"order_id", order.OrderID, "owner", shop.UserID, "amount", order.TotalPrice, "err", err)
	}
}

// Ship marks a paid order shipped. The final write is keyed by order id
// alone; the preceding checks are the guard.
func (o *Orders) Ship(userID, storeID, orderID string) error {
	ok, err := o.store.HasUser(userID)
	if err != nil {
		return storageErr("check user", err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchUser, userID)
	}
	ok, err = o.store.HasShop(storeID)
	if err != nil {
		return storageErr("check shop", err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSuchShop, storeID)
	}
	order, found, err := o.store.GetOrder(orderID)
	if err != nil {
		return storageErr("fetch order", err)
	}
	if !found {
		return fmt.Errorf("%w %s", ErrInvalidOrder, orderID)
	}
	if order.Status != domain.OrderPaid {
		return fmt.Errorf("%w %s", ErrNotPaid, orderID)
	}
	if err := o.store.SetOrderStatus(orderID, domain.OrderShipped); err != nil {
		return storageErr("mark order shipped", err)
	}
	o.publish(events.KindOrderShipped, order)
	return nil
}

func (o *Orders) publish(kind string, order domain.Order) {
	if o.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := events.Event{
		Kind:    kind,
		OrderID: order.OrderID,
		UserID:  order.UserID,
		StoreID: order.StoreID,
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		slog.Warn("publish order event", "kind", kind, "order_id", order.OrderID, "err", err)
	}
}

// priceFromInfo reads the price field out of a listing's book_info blob.
// Listings without a usable price sell for zero.
func priceFromInfo(info json.RawMessage) int64 {
	if len(info) == 0 {
		return 0
	}
	var meta struct {
		Price int64 `json:"price"`
	}
	if err := json.Unmarshal(info, &meta); err != nil {
		return 0
	}
	return meta.Price
}
