package app

import (
	"errors"
	"fmt"

	"bookstore/pkg/auth"
	"bookstore/pkg/domain"
	"bookstore/pkg/store"
	"bookstore/pkg/token"
)

// Accounts implements registration, credential checks, and the session
// lifecycle. Each user holds exactly one live (token, terminal) pair;
// writing a fresh pair invalidates whatever came before it.
type Accounts struct {
	store  store.Store
	tokens *token.Service
}

// NewAccounts builds the account service.
func NewAccounts(st store.Store, tokens *token.Service) *Accounts {
	return &Accounts{store: st, tokens: tokens}
}

// Register creates an account with zero balance and an initial session on a
// server-generated terminal.
func (a *Accounts) Register(userID, password string) error {
	exists, err := a.store.HasUser(userID)
	if err != nil {
		return storageErr("check user", err)
	}
	if exists {
		return fmt.Errorf("%w %s", ErrUserExists, userID)
	}

	tok, terminal, err := a.tokens.Rotate(userID)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		UserID:   userID,
		Password: hash,
		Balance:  0,
		Token:    tok,
		Terminal: terminal,
	}
	if err := a.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("%w %s", ErrUserExists, userID)
		}
		return storageErr("create user", err)
	}
	return nil
}

// CheckPassword verifies the password against the stored hash, fetching only
// the password column. Missing user and wrong password are indistinguishable.
func (a *Accounts) CheckPassword(userID, password string) error {
	hash, ok, err := a.store.GetUserPassword(userID)
	if err != nil {
		return storageErr("fetch password", err)
	}
	if !ok {
		return ErrAuthorization
	}
	if !auth.CheckPassword(password, hash) {
		return ErrAuthorization
	}
	return nil
}

// CheckToken verifies that presented is the user's live, unexpired token.
func (a *Accounts) CheckToken(userID, presented string) error {
	user, ok, err := a.store.GetUser(userID)
	if err != nil {
		return storageErr("fetch user", err)
	}
	if !ok {
		return ErrAuthorization
	}
	if !a.tokens.Validate(userID, user.Token, presented) {
		return ErrAuthorization
	}
	return nil
}

// Login checks the password and binds a fresh token to the caller's
// terminal. The previous session, if any, stops validating.
func (a *Accounts) Login(userID, password, terminal string) (string, error) {
	if err := a.CheckPassword(userID, password); err != nil {
		return "", err
	}
	tok, err := a.tokens.Issue(userID, terminal)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	matched, err := a.store.SetUserSession(userID, tok, terminal)
	if err != nil {
		return "", storageErr("store session", err)
	}
	if !matched {
		// The user vanished between the password check and the write.
		return "", ErrAuthorization
	}
	return tok, nil
}

// Logout requires the live token and replaces it with a burn token bound to
// a server-generated terminal that no client ever sees.
func (a *Accounts) Logout(userID, presented string) error {
	if err := a.CheckToken(userID, presented); err != nil {
		return err
	}
	burn, terminal, err := a.tokens.Rotate(userID)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	matched, err := a.store.SetUserSession(userID, burn, terminal)
	if err != nil {
		return storageErr("store session", err)
	}
	if !matched {
		return ErrAuthorization
	}
	return nil
}

// Unregister deletes the account after a password check.
func (a *Accounts) Unregister(userID, password string) error {
	if err := a.CheckPassword(userID, password); err != nil {
		return err
	}
	deleted, err := a.store.DeleteUser(userID)
	if err != nil {
		return storageErr("delete user", err)
	}
	if !deleted {
		return ErrAuthorization
	}
	return nil
}

// ChangePassword verifies the old password, then writes the new hash along
// with a burn session in one statement. The matched count is not inspected;
// a user deleted in between surfaces on their next credential check.
func (a *Accounts) ChangePassword(userID, oldPassword, newPassword string) error {
	if err := a.CheckPassword(userID, oldPassword); err != nil {
		return err
	}
	tok, terminal, err := a.tokens.Rotate(userID)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := a.store.SetUserPassword(userID, hash, tok, terminal); err != nil {
		return storageErr("store password", err)
	}
	return nil
}
