package app

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorization covers every credential failure: unknown user, wrong
	// password, stale or forged token. Callers learn nothing about which
	// check failed.
	ErrAuthorization = errors.New("authorization fail")

	// The short sentinel texts below are the wire contract: handlers append
	// the offending id after a space, e.g. "non exist user id u-1".
	ErrNoSuchUser = errors.New("non exist user id")
	ErrUserExists = errors.New("exist user id")

	ErrNoSuchShop = errors.New("non exist store id")
	ErrShopExists = errors.New("exist store id")

	ErrNoSuchBook = errors.New("non exist book id")
	ErrBookExists = errors.New("exist book id")

	ErrStockLow = errors.New("stock level low, book id")

	ErrInvalidOrder      = errors.New("invalid order id")
	ErrInsufficientFunds = errors.New("not sufficient funds, order id")
	ErrNotPaid           = errors.New("not paid order id")

	ErrNoMatches = errors.New("no matching books found")

	// ErrStorage marks failures of the persistence layer, as opposed to
	// business outcomes.
	ErrStorage = errors.New("storage operation failed")
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
