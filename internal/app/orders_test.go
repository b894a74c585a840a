package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bookstore/pkg/domain"
	"bookstore/pkg/events"
	"bookstore/pkg/store"
	"bookstore/pkg/token"
)

const (
	sellerPassword = "shelf-stacker"
	buyerPassword  = "page-turner"
)

// seedShopWithBooks registers a seller and a buyer and stocks shop-1 with
// b1 (price 1500, stock 10) and b2 (price 2500, stock 3).
func seedShopWithBooks(t *testing.T, a *App) {
	t.Helper()
	if err := a.Accounts.Register("seller", sellerPassword); err != nil {
		t.Fatalf("register seller: %v", err)
	}
	if err := a.Accounts.Register("buyer", buyerPassword); err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	if err := a.Catalog.CreateShop("seller", "shop-1"); err != nil {
		t.Fatalf("create shop: %v", err)
	}
	if err := a.Catalog.AddBook("seller", "shop-1", "b1", json.RawMessage(`{"id":"b1","title":"Dune","price":1500}`), 10); err != nil {
		t.Fatalf("add b1: %v", err)
	}
	if err := a.Catalog.AddBook("seller", "shop-1", "b2", json.RawMessage(`{"id":"b2","title":"Hyperion","price":2500}`), 3); err != nil {
		t.Fatalf("add b2: %v", err)
	}
}

func mustOrder(t *testing.T, a *App, lines []OrderLine) string {
	t.Helper()
	orderID, err := a.Orders.New("buyer", "shop-1", lines)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return orderID
}

func stockLevel(t *testing.T, st *store.MemoryStore, bookID string) int64 {
	t.Helper()
	listing, ok, err := st.GetListing("shop-1", bookID)
	if err != nil || !ok {
		t.Fatalf("GetListing(%s) = ok %v, err %v", bookID, ok, err)
	}
	return listing.StockLevel
}

func balance(t *testing.T, st *store.MemoryStore, userID string) int64 {
	t.Helper()
	user, ok, err := st.GetUser(userID)
	if err != nil || !ok {
		t.Fatalf("GetUser(%s) = ok %v, err %v", userID, ok, err)
	}
	return user.Balance
}

func TestNewOrderCreatesUnpaidOrder(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedShopWithBooks(t, a)

	if _, err := a.Orders.New("ghost", "shop-1", []OrderLine{{BookID: "b1", Count: 1}}); !errors.Is(err, ErrNoSuchUser) {
		t.Fatalf("unknown buyer err = %v, want ErrNoSuchUser", err)
	}
	if _, err := a.Orders.New("buyer", "no-shop", []OrderLine{{BookID: "b1", Count: 1}}); !errors.Is(err, ErrNoSuchShop) {
		t.Fatalf("unknown shop err = %v, want ErrNoSuchShop", err)
	}
	if _, err := a.Orders.New("buyer", "shop-1", nil); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("empty order err = %v, want ErrInvalidOrder", err)
	}
	if _, err := a.Orders.New("buyer", "shop-1", []OrderLine{{BookID: "b1", Count: 0}}); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("zero count err = %v, want ErrInvalidOrder", err)
	}
	if _, err := a.Orders.New("buyer", "shop-1", []OrderLine{{BookID: "missing", Count: 1}}); !errors.Is(err, ErrNoSuchBook) {
		t.Fatalf("unknown book err = %v, want ErrNoSuchBook", err)
	}

	orderID := mustOrder(t, a, []OrderLine{{BookID: "b1", Count: 2}, {BookID: "b2", Count: 1}})

	order, ok, err := st.GetOrder(orderID)
	if err != nil || !ok {
		t.Fatalf("GetOrder = ok %v, err %v", ok, err)
	}
	if order.Status != domain.OrderUnpaid {
		t.Fatalf("status = %q, want unpaid", order.Status)
	}
	if order.UserID != "buyer" || order.StoreID != "shop-1" {
		t.Fatalf("order owner = %s/%s, want buyer/shop-1", order.UserID, order.StoreID)
	}
	if order.TotalPrice != 2*1500+2500 {
		t.Fatalf("total = %d, want 5500", order.TotalPrice)
	}
	items, err := st.ListOrderItems(orderID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if got := stockLevel(t, st, "b1"); got != 8 {
		t.Fatalf("b1 stock = %d, want 8", got)
	}
	if got := stockLevel(t, st, "b2"); got != 2 {
		t.Fatalf("b2 stock = %d, want 2", got)
	}
}

func TestNewOrderRestoresStockOnFailure(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedShopWithBooks(t, a)

	if _, err := a.Orders.New("buyer", "shop-1", []OrderLine{{BookID: "b2", Count: 4}}); !errors.Is(err, ErrStockLow) {
		t.Fatalf("oversell err = %v, want ErrStockLow", err)
	}
	if got := stockLevel(t, st, "b2"); got != 3 {
		t.Fatalf("b2 stock after oversell = %d, want 3", got)
	}

	// The first line deducts before the second fails; the deduction must
	// come back.
	lines := []OrderLine{{BookID: "b1", Count: 2}, {BookID: "b2", Count: 4}}
	if _, err := a.Orders.New("buyer", "shop-1", lines); !errors.Is(err, ErrStockLow) {
		t.Fatalf("mixed order err = %v, want ErrStockLow", err)
	}
	if got := stockLevel(t, st, "b1"); got != 10 {
		t.Fatalf("b1 stock after rollback = %d, want 10", got)
	}
	if got := stockLevel(t, st, "b2"); got != 3 {
		t.Fatalf("b2 stock after rollback = %d, want 3", got)
	}
}

func TestAddFunds(t *testing.T) {
	a, st, _ := newTestApp(t)
	if err := a.Accounts.Register("buyer", buyerPassword); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := a.Orders.AddFunds("buyer", "wrong", 100); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("wrong password err = %v, want ErrAuthorization", err)
	}
	if err := a.Orders.AddFunds("buyer", buyerPassword, 2500); err != nil {
		t.Fatalf("add funds: %v", err)
	}
	if err := a.Orders.AddFunds("buyer", buyerPassword, 500); err != nil {
		t.Fatalf("add funds again: %v", err)
	}
	if got := balance(t, st, "buyer"); got != 3000 {
		t.Fatalf("balance = %d, want 3000", got)
	}
}

func TestPayLifecycle(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedShopWithBooks(t, a)
	orderID := mustOrder(t, a, []OrderLine{{BookID: "b1", Count: 2}}) // 3000

	if err := a.Orders.Pay("buyer", "wrong", orderID); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("wrong password err = %v, want ErrAuthorization", err)
	}
	if err := a.Orders.Pay("buyer", buyerPassword, "no-such-order"); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("unknown order err = %v, want ErrInvalidOrder", err)
	}
	if err := a.Orders.Pay("seller", sellerPassword, orderID); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("foreign buyer err = %v, want ErrAuthorization", err)
	}
	if err := a.Orders.Pay("buyer", buyerPassword, orderID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("broke buyer err = %v, want ErrInsufficientFunds", err)
	}

	if err := a.Orders.AddFunds("buyer", buyerPassword, 5000); err != nil {
		t.Fatalf("add funds: %v", err)
	}
	if err := a.Orders.Pay("buyer", buyerPassword, orderID); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if got := balance(t, st, "buyer"); got != 2000 {
		t.Fatalf("buyer balance = %d, want 2000", got)
	}
	if got := balance(t, st, "seller"); got != 3000 {
		t.Fatalf("seller balance = %d, want 3000", got)
	}
	order, _, err := st.GetOrder(orderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != domain.OrderPaid {
		t.Fatalf("status = %q, want paid", order.Status)
	}

	// Paying twice neither moves money nor changes state.
	if err := a.Orders.Pay("buyer", buyerPassword, orderID); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("double pay err = %v, want ErrInvalidOrder", err)
	}
	if got := balance(t, st, "buyer"); got != 2000 {
		t.Fatalf("buyer balance after double pay = %d, want 2000", got)
	}
}

func TestShipLifecycle(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedShopWithBooks(t, a)
	orderID := mustOrder(t, a, []OrderLine{{BookID: "b1", Count: 1}})

	if err := a.Orders.Ship("ghost", "shop-1", orderID); !errors.Is(err, ErrNoSuchUser) {
		t.Fatalf("unknown seller err = %v, want ErrNoSuchUser", err)
	}
	if err := a.Orders.Ship("seller", "no-shop", orderID); !errors.Is(err, ErrNoSuchShop) {
		t.Fatalf("unknown shop err = %v, want ErrNoSuchShop", err)
	}
	if err := a.Orders.Ship("seller", "shop-1", "no-such-order"); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("unknown order err = %v, want ErrInvalidOrder", err)
	}
	if err := a.Orders.Ship("seller", "shop-1", orderID); !errors.Is(err, ErrNotPaid) {
		t.Fatalf("unpaid order err = %v, want ErrNotPaid", err)
	}

	if err := a.Orders.AddFunds("buyer", buyerPassword, 1500); err != nil {
		t.Fatalf("add funds: %v", err)
	}
	if err := a.Orders.Pay("buyer", buyerPassword, orderID); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := a.Orders.Ship("seller", "shop-1", orderID); err != nil {
		t.Fatalf("ship: %v", err)
	}
	order, _, err := st.GetOrder(orderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != domain.OrderShipped {
		t.Fatalf("status = %q, want shipped", order.Status)
	}
	if err := a.Orders.Ship("seller", "shop-1", orderID); !errors.Is(err, ErrNotPaid) {
		t.Fatalf("double ship err = %v, want ErrNotPaid", err)
	}
}

func TestOrderEventsPublished(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	stream, err := events.NewStream(events.Config{Addr: redisSrv.Addr(), Stream: "test:orders"})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	tokens, err := token.NewService([]byte("test-signing-secret"))
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	a, err := New(Config{Store: store.NewMemoryStore(), Tokens: tokens, Events: stream})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	seedShopWithBooks(t, a)
	orderID := mustOrder(t, a, []OrderLine{{BookID: "b1", Count: 1}})

	if err := a.Orders.AddFunds("buyer", buyerPassword, 1500); err != nil {
		t.Fatalf("add funds: %v", err)
	}
	if err := a.Orders.Pay("buyer", buyerPassword, orderID); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := a.Orders.Ship("seller", "shop-1", orderID); err != nil {
		t.Fatalf("ship: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	defer client.Close()
	msgs, err := client.XRange(context.Background(), "test:orders", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("events = %d, want 2", len(msgs))
	}
	if kind := msgs[0].Values["kind"]; kind != events.KindOrderPaid {
		t.Fatalf("first event kind = %v, want %s", kind, events.KindOrderPaid)
	}
	if kind := msgs[1].Values["kind"]; kind != events.KindOrderShipped {
		t.Fatalf("second event kind = %v, want %s", kind, events.KindOrderShipped)
	}
	if got := msgs[0].Values["order_id"]; got != orderID {
		t.Fatalf("event order_id = %v, want %s", got, orderID)
	}
}
