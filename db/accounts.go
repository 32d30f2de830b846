package db

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/soracal/calendar"
	"github.com/migadu/soracal/consts"
	"github.com/migadu/soracal/helpers"
	"github.com/migadu/soracal/logger"
)

// CreateAccountRequest represents the parameters for creating a new account
type CreateAccountRequest struct {
	Email       string
	DisplayName string
	Password    string // optional; accounts without one cannot use the HTTP API
}

// normalizeAddress validates addr and returns its lowercase bare form.
func normalizeAddress(addr string) (string, error) {
	normalized := helpers.NormalizeCalAddress(addr)
	if normalized == "" {
		return "", errors.New("address cannot be empty")
	}
	if _, err := mail.ParseAddress(normalized); err != nil {
		return "", fmt.Errorf("invalid email address %q: %w", addr, err)
	}
	return normalized, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAccount creates an account and returns its ID.
func (db *Database) CreateAccount(ctx context.Context, req CreateAccountRequest) (int64, error) {
	email, err := normalizeAddress(req.Email)
	if err != nil {
		return 0, err
	}

	var hashedPassword string
	if req.Password != "" {
		hashedPassword, err = GenerateBcryptHash(req.Password)
		if err != nil {
			return 0, err
		}
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// An alias of another account may not become a primary address.
	var taken bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM aliases WHERE address = $1)", email).Scan(&taken); err != nil {
		return 0, fmt.Errorf("error checking aliases: %w", err)
	}
	if taken {
		return 0, fmt.Errorf("address %s is already an alias: %w", email, consts.ErrDBUniqueViolation)
	}

	var accountID int64
	err = tx.QueryRow(ctx,
		"INSERT INTO accounts (email, display_name, password) VALUES ($1, $2, $3) RETURNING id",
		email, req.DisplayName, hashedPassword).Scan(&accountID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("account %s already exists: %w", email, consts.ErrDBUniqueViolation)
		}
		return 0, fmt.Errorf("failed to create account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	logger.Info("DB: account created", "email", email, "account_id", accountID)
	return accountID, nil
}

// AddAlias attaches an additional address to the account owning email.
func (db *Database) AddAlias(ctx context.Context, email, alias string) error {
	p, err := db.GetPrincipal(ctx, email)
	if err != nil {
		return err
	}
	normalized, err := normalizeAddress(alias)
	if err != nil {
		return err
	}
	if p.Is(normalized) {
		return fmt.Errorf("%s already resolves to %s", normalized, p.Email)
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var taken bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE email = $1)", normalized).Scan(&taken); err != nil {
		return fmt.Errorf("error checking accounts: %w", err)
	}
	if taken {
		return fmt.Errorf("address %s is a primary address: %w", normalized, consts.ErrDBUniqueViolation)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO aliases (address, account_id) VALUES ($1, $2)", normalized, p.AccountID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("alias %s already exists: %w", normalized, consts.ErrDBUniqueViolation)
		}
		return fmt.Errorf("failed to add alias: %w", err)
	}
	return tx.Commit(ctx)
}

// RemoveAlias detaches an alias address.
func (db *Database) RemoveAlias(ctx context.Context, alias string) error {
	normalized, err := normalizeAddress(alias)
	if err != nil {
		return err
	}
	n, err := db.TimedExec(ctx, "remove_alias", "DELETE FROM aliases WHERE address = $1", normalized)
	if err != nil {
		return fmt.Errorf("failed to remove alias: %w", err)
	}
	if n == 0 {
		return consts.ErrDBNotFound
	}
	return nil
}

// GetPrincipal resolves an address (primary, alias or +detail variant of
// either) to the owning account.
func (db *Database) GetPrincipal(ctx context.Context, address string) (calendar.Principal, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return calendar.Principal{}, err
	}
	base := helpers.BaseAddress(normalized)

	var id int64
	err = db.TimedQueryRow(ctx, "resolve_address", `
		SELECT id FROM accounts WHERE email = $1 OR email = $2
		UNION ALL
		SELECT account_id FROM aliases WHERE address = $1 OR address = $2
		LIMIT 1`, normalized, base).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calendar.Principal{}, consts.ErrAccountNotFound
		}
		return calendar.Principal{}, fmt.Errorf("database error resolving %s: %w", normalized, err)
	}
	return db.GetPrincipalByID(ctx, id)
}

// GetPrincipalByID loads an account with its aliases.
func (db *Database) GetPrincipalByID(ctx context.Context, accountID int64) (calendar.Principal, error) {
	p := calendar.Principal{AccountID: accountID}
	err := db.TimedQueryRow(ctx, "get_account", `
		SELECT a.email, a.display_name,
		       COALESCE(ARRAY(SELECT address FROM aliases WHERE account_id = a.id ORDER BY address), '{}')
		FROM accounts a WHERE a.id = $1`, accountID).Scan(&p.Email, &p.DisplayName, &p.Aliases)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return calendar.Principal{}, consts.ErrAccountNotFound
		}
		return calendar.Principal{}, fmt.Errorf("database error loading account %d: %w", accountID, err)
	}
	return p, nil
}

// Authenticate verifies the password of the account that address resolves to.
// Hashes created with a different bcrypt cost are upgraded on success.
func (db *Database) Authenticate(ctx context.Context, address, password string) (calendar.Principal, error) {
	if password == "" {
		return calendar.Principal{}, ErrInvalidCredentials
	}
	p, err := db.GetPrincipal(ctx, address)
	if err != nil {
		return calendar.Principal{}, err
	}

	var hashedPassword string
	if err := db.TimedQueryRow(ctx, "get_password", "SELECT password FROM accounts WHERE id = $1", p.AccountID).Scan(&hashedPassword); err != nil {
		return calendar.Principal{}, fmt.Errorf("database error during authentication: %w", err)
	}
	if hashedPassword == "" {
		return calendar.Principal{}, ErrInvalidCredentials
	}
	if err := verifyPassword(hashedPassword, password); err != nil {
		return calendar.Principal{}, ErrInvalidCredentials
	}

	if needsRehash(hashedPassword) {
		if newHash, err := GenerateBcryptHash(password); err != nil {
			logger.Warn("DB: failed to rehash password", "account_id", p.AccountID, "error", err)
		} else if err := db.SetPassword(ctx, p.AccountID, newHash); err != nil {
			logger.Warn("DB: failed to store rehashed password", "account_id", p.AccountID, "error", err)
		}
	}
	return p, nil
}

// SetPassword stores an already hashed password.
func (db *Database) SetPassword(ctx context.Context, accountID int64, hashedPassword string) error {
	n, err := db.TimedExec(ctx, "set_password",
		"UPDATE accounts SET password = $1, updated_at = now() WHERE id = $2", hashedPassword, accountID)
	if err != nil {
		return fmt.Errorf("database error updating password: %w", err)
	}
	if n == 0 {
		return consts.ErrAccountNotFound
	}
	return nil
}

// DeleteAccount removes an account with its events and inbox.
func (db *Database) DeleteAccount(ctx context.Context, email string) error {
	normalized, err := normalizeAddress(email)
	if err != nil {
		return err
	}
	n, err := db.TimedExec(ctx, "delete_account", "DELETE FROM accounts WHERE email = $1", normalized)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n == 0 {
		return consts.ErrAccountNotFound
	}
	return nil
}
