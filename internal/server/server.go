package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookstore/internal/app"
	"bookstore/internal/obs"
	"bookstore/internal/ratelimit"
	"bookstore/internal/security"
	"bookstore/internal/util"
	"bookstore/pkg/storage"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App    *app.App
	Covers storage.ObjectStore

	RedisAddr     string
	RedisPassword string

	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	PasswordRateLimitPerMinute int
	FundsRateLimitPerMinute    int

	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
	CORSOrigin     string
}

// Server exposes the HTTP endpoints for the bookstore.
type Server struct {
	app        *app.App
	covers     storage.ObjectStore
	mux        *http.ServeMux
	alerter    *security.AuditAlerter
	proxies    *util.TrustedProxies
	corsOrigin string

	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	passwordLimiter *ratelimit.FixedWindowLimiter
	fundsLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured. Rate limiters need
// Redis; without cfg.RedisAddr they stay nil and the guarded endpoints run
// unlimited.
func New(cfg Config) (*Server, error) {
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	passwordLimit := cfg.PasswordRateLimitPerMinute
	if passwordLimit <= 0 {
		passwordLimit = 10
	}
	fundsLimit := cfg.FundsRateLimitPerMinute
	if fundsLimit <= 0 {
		fundsLimit = 10
	}

	s := &Server{
		app:        cfg.App,
		covers:     cfg.Covers,
		mux:        http.NewServeMux(),
		alerter:    cfg.Alerter,
		proxies:    cfg.TrustedProxies,
		corsOrigin: cfg.CORSOrigin,
	}
	if cfg.RedisAddr != "" {
		rateWindow := time.Minute
		newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
			prefix := "bookstore:ratelimit:" + name
			limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		var err error
		if s.registerLimiter, err = newLimiter("register", registerLimit); err != nil {
			return nil, err
		}
		if s.loginLimiter, err = newLimiter("login", loginLimit); err != nil {
			return nil, err
		}
		if s.passwordLimiter, err = newLimiter("password", passwordLimit); err != nil {
			return nil, err
		}
		if s.fundsLimiter, err = newLimiter("funds", fundsLimit); err != nil {
			return nil, err
		}
	}
	obs.Init()
	s.routes()
	return s, nil
}

// Router returns the configured handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	h := obs.Instrument(s.mux)
	if s.corsOrigin != "" {
		h = util.WithCORS(s.corsOrigin, h)
	}
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog("bookstore", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", obs.Handler())

	// auth
	s.mux.HandleFunc("/v1/auth/register", s.handleRegister)
	s.mux.HandleFunc("/v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("/v1/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/v1/auth/unregister", s.handleUnregister)
	s.mux.HandleFunc("/v1/auth/password", s.handleChangePassword)

	// seller
	s.mux.HandleFunc("/v1/seller/stores", s.handleCreateStore)
	s.mux.HandleFunc("/v1/seller/books", s.handleAddBook)
	s.mux.HandleFunc("/v1/seller/stock", s.handleAddStock)
	s.mux.HandleFunc("/v1/seller/ship", s.handleShip)

	// buyer
	s.mux.HandleFunc("/v1/buyer/orders", s.handleNewOrder)
	s.mux.HandleFunc("/v1/buyer/payment", s.handlePayment)
	s.mux.HandleFunc("/v1/buyer/funds", s.handleAddFunds)

	// catalog
	s.mux.HandleFunc("/v1/books/search", s.handleSearch)
	s.mux.HandleFunc("/v1/books/", s.handleBookCover)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many register attempts") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req credentialRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "user_id and password are required")
		return
	}
	if err := s.app.Accounts.Register(req.UserID, req.Password); err != nil {
		s.audit(r, "auth.register", "fail", "user_id", req.UserID)
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", req.UserID)
	writeOK(w, nil)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "user_id and password are required")
		return
	}
	token, err := s.app.Accounts.Login(req.UserID, req.Password, req.Terminal)
	if err != nil {
		if errors.Is(err, app.ErrAuthorization) {
			s.audit(r, "auth.login", "fail", "user_id", req.UserID)
		}
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", req.UserID)
	writeOK(w, map[string]any{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req logoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "user_id and token are required")
		return
	}
	if err := s.app.Accounts.Logout(req.UserID, req.Token); err != nil {
		if errors.Is(err, app.ErrAuthorization) {
			s.audit(r, "auth.logout", "fail", "user_id", req.UserID)
		}
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req credentialRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "user_id and password are required")
		return
	}
	if err := s.app.Accounts.Unregister(req.UserID, req.Password); err != nil {
		if errors.Is(err, app.ErrAuthorization) {
			s.audit(r, "auth.unregister", "fail", "user_id", req.UserID)
		}
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.passwordLimiter, "too many password change attempts") {
		s.audit(r, "auth.password.change", "rate_limited")
		return
	}
	var req passwordRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.OldPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "user_id, old_password and new_password are required")
		return
	}
	if err := s.app.Accounts.ChangePassword(req.UserID, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, app.ErrAuthorization) {
			s.audit(r, "auth.password.change", "fail", "user_id", req.UserID)
		}
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, nil)
}

// seller handlers
func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createStoreRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.StoreID == "" {
		writeError(w, http.StatusBadRequest, "user_id and store_id are required")
		return
	}
	if err := s.app.Catalog.CreateShop(req.UserID, req.StoreID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAddBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req addBookRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.StoreID == "" || req.BookID == "" {
		writeError(w, http.StatusBadRequest, "user_id, store_id and book_id are required")
		return
	}
	if err := s.app.Catalog.AddBook(req.UserID, req.StoreID, req.BookID, req.BookInfo, req.StockLevel); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAddStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req addStockRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.StoreID == "" || req.BookID == "" {
		writeError(w, http.StatusBadRequest, "user_id, store_id and book_id are required")
		return
	}
	if err := s.app.Catalog.Restock(req.UserID, req.StoreID, req.BookID, req.Delta); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleShip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req shipRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.StoreID == "" || req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "user_id, store_id and order_id are required")
		return
	}
	if err := s.app.Orders.Ship(req.UserID, req.StoreID, req.OrderID); err != nil {
		s.audit(r, "seller.ship", "fail", "user_id", req.UserID, "order_id", req.OrderID)
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, nil)
}

// buyer handlers
func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req newOrderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.StoreID == "" {
		writeError(w, http.StatusBadRequest, "user_id and store_id are required")
		return
	}
	lines := make([]app.OrderLine, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, app.OrderLine{BookID: item.BookID, Count: item.Count})
	}
	orderID, err := s.app.Orders.New(req.UserID, req.StoreID, lines)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"order_id": orderID})
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req paymentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Password == "" || req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "user_id, password and order_id are required")
		return
	}
	if err := s.app.Orders.Pay(req.UserID, req.Password, req.OrderID); err != nil {
		if errors.Is(err, app.ErrAuthorization) {
			s.audit(r, "order.pay", "fail", "user_id", req.UserID, "order_id", req.OrderID)
		}
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAddFunds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.fundsLimiter, "too many add funds attempts") {
		s.audit(r, "funds.add", "rate_limited")
		return
	}
	var req fundsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "user_id and password are required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if err := s.app.Orders.AddFunds(req.UserID, req.Password, req.Amount); err != nil {
		if errors.Is(err, app.ErrAuthorization) {
			s.audit(r, "funds.add", "fail", "user_id", req.UserID)
		}
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, nil)
}

// catalog handlers
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	books, err := s.app.Catalog.SearchBooks(app.SearchQuery{
		Title:   strings.TrimSpace(q.Get("title")),
		Content: strings.TrimSpace(q.Get("content")),
		Tag:     strings.TrimSpace(q.Get("tag")),
		StoreID: strings.TrimSpace(q.Get("store_id")),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"books": books})
}

func (s *Server) handleBookCover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/books/")
	id, ok := strings.CutSuffix(id, "/cover")
	if !ok || id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if s.covers == nil {
		writeError(w, http.StatusNotFound, "cover storage not configured")
		return
	}
	book, err := s.app.Catalog.GetBook(id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if book.CoverKey == "" {
		writeError(w, http.StatusNotFound, "no cover for book id "+id)
		return
	}
	url, err := s.covers.PresignGet(r.Context(), book.CoverKey, 15*time.Minute)
	if err != nil {
		slog.Error("presign cover", "book_id", id, "err", err)
		writeError(w, http.StatusBadGateway, "cover storage unavailable")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.proxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window()/time.Second)))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.proxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
	} else {
		slog.Warn("security_event", logAttrs...)
	}
	if s.alerter == nil {
		return
	}
	result, err := s.alerter.Observe(event, outcome, ip)
	if err != nil {
		slog.Warn("audit alert counter", "event", event, "err", err)
		return
	}
	if result.Triggered {
		slog.Warn("audit alert threshold reached",
			"event", event, "outcome", outcome, "ip", ip,
			"count", result.Count, "threshold", result.Threshold)
	}
}

// statusFor maps application errors to the numeric result catalog. The codes
// ride in the HTTP status line, so clients switch on one number.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrAuthorization):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrNoSuchUser):
		return 511
	case errors.Is(err, app.ErrUserExists):
		return 512
	case errors.Is(err, app.ErrNoSuchShop):
		return 513
	case errors.Is(err, app.ErrShopExists):
		return 514
	case errors.Is(err, app.ErrNoSuchBook):
		return 515
	case errors.Is(err, app.ErrBookExists):
		return 516
	case errors.Is(err, app.ErrStockLow):
		return 517
	case errors.Is(err, app.ErrInvalidOrder):
		return 518
	case errors.Is(err, app.ErrInsufficientFunds):
		return 519
	case errors.Is(err, app.ErrNotPaid):
		return 520
	case errors.Is(err, app.ErrNoMatches):
		return 529
	case errors.Is(err, app.ErrStorage):
		return 528
	default:
		return 530
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case 528:
		slog.Error("storage failure", "path", r.URL.Path, "err", err)
		writeError(w, status, "storage operation failed")
	case 530:
		slog.Error("unhandled failure", "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error")
	default:
		writeError(w, status, err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type credentialRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
	Terminal string `json:"terminal"`
}

type logoutRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type passwordRequest struct {
	UserID      string `json:"user_id"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type createStoreRequest struct {
	UserID  string `json:"user_id"`
	StoreID string `json:"store_id"`
}

type addBookRequest struct {
	UserID     string          `json:"user_id"`
	StoreID    string          `json:"store_id"`
	BookID     string          `json:"book_id"`
	BookInfo   json.RawMessage `json:"book_info"`
	StockLevel int64           `json:"stock_level"`
}

type addStockRequest struct {
	UserID  string `json:"user_id"`
	StoreID string `json:"store_id"`
	BookID  string `json:"book_id"`
	Delta   int64  `json:"delta"`
}

type shipRequest struct {
	UserID  string `json:"user_id"`
	StoreID string `json:"store_id"`
	OrderID string `json:"order_id"`
}

type newOrderRequest struct {
	UserID  string          `json:"user_id"`
	StoreID string          `json:"store_id"`
	Items   []orderItemBody `json:"items"`
}

type orderItemBody struct {
	BookID string `json:"book_id"`
	Count  int64  `json:"count"`
}

type paymentRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
	OrderID  string `json:"order_id"`
}

type fundsRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
	Amount   int64  `json:"amount"`
}

func writeOK(w http.ResponseWriter, extra map[string]any) {
	payload := map[string]any{"message": "ok"}
	for k, v := range extra {
		payload[k] = v
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
