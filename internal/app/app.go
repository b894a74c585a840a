// Package app implements the bookstore's business rules: accounts and
// sessions, shops and listings, catalog search, and the order lifecycle.
package app

import (
	"fmt"
	"strings"
	"time"

	"bookstore/pkg/events"
	"bookstore/pkg/store"
	"bookstore/pkg/token"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	TokenSecret   string
	TokenLifetime time.Duration

	// Injectable dependencies; nil fields get production defaults.
	Store  store.Store
	Tokens *token.Service
	Events *events.Stream
}

// App wires the services over one shared store.
type App struct {
	Accounts *Accounts
	Catalog  *Catalog
	Orders   *Orders
}

// New constructs the application. With cfg.Store and cfg.Tokens set no
// external services are touched, which is how tests run the whole core
// in-process.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	tokens := cfg.Tokens
	if tokens == nil {
		if strings.TrimSpace(cfg.TokenSecret) == "" {
			return nil, fmt.Errorf("token secret required")
		}
		var opts []token.Option
		if cfg.TokenLifetime > 0 {
			opts = append(opts, token.WithLifetime(cfg.TokenLifetime))
		}
		var err error
		tokens, err = token.NewService([]byte(cfg.TokenSecret), opts...)
		if err != nil {
			return nil, fmt.Errorf("init token service: %w", err)
		}
	}

	accounts := NewAccounts(dataStore, tokens)
	return &App{
		Accounts: accounts,
		Catalog:  NewCatalog(dataStore),
		Orders:   NewOrders(dataStore, accounts, cfg.Events),
	}, nil
}
