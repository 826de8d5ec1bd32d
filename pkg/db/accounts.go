package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Account is one user's named exchange connection ("default", "main1", ...).
// Credentials are stored encrypted; the core never sees plaintext outside
// the account registry's decrypt step.
type Account struct {
	ID                 string
	UserID             string
	AccountRef         string // the short id, e.g. "default"
	ExchangeType       string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	Testnet            bool
	RequestsPerSecond  float64
	IsDefault          bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateAccount inserts a new account row. At most one row per user may
// have IsDefault set; callers are responsible for clearing any previous
// default first.
func (q *UserQueries) CreateAccount(ctx context.Context, a Account) error {
	if a.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, user_id, account_id, exchange_type,
			api_key_encrypted, api_secret_encrypted, key_version,
			testnet, requests_per_second, is_default, is_active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, a.ID, a.UserID, a.AccountRef, a.ExchangeType,
		a.APIKeyEncrypted, a.APISecretEncrypted, a.KeyVersion,
		boolToInt(a.Testnet), a.RequestsPerSecond, boolToInt(a.IsDefault))
	return err
}

// GetAccountByRef resolves one user's account by its short ref ("default").
func (q *UserQueries) GetAccountByRef(ctx context.Context, userID, accountRef string) (*Account, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var a Account
	var testnet, isDefault, isActive int
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, account_id, exchange_type,
		       api_key_encrypted, api_secret_encrypted, key_version,
		       testnet, requests_per_second, is_default, is_active,
		       created_at, updated_at
		FROM accounts
		WHERE user_id = ? AND account_id = ? AND is_active = 1
	`, userID, accountRef).Scan(&a.ID, &a.UserID, &a.AccountRef, &a.ExchangeType,
		&a.APIKeyEncrypted, &a.APISecretEncrypted, &a.KeyVersion,
		&testnet, &a.RequestsPerSecond, &isDefault, &isActive,
		&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	a.Testnet = testnet != 0
	a.IsDefault = isDefault != 0
	a.IsActive = isActive != 0
	return &a, nil
}

// AccountRefExists reports whether accountRef names an active account for
// any user. The runtime in its current single-operator form does not
// scope account lookups by user_id at the registry layer; multi-tenant
// deployments pass user_id through the engine façade instead.
func (q *UserQueries) AccountRefExists(ctx context.Context, accountRef string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM accounts WHERE account_id = ? AND is_active = 1
	`, accountRef).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count account: %w", err)
	}
	return n > 0, nil
}

// ListAccountsByUser returns every active account belonging to userID.
func (q *UserQueries) ListAccountsByUser(ctx context.Context, userID string) ([]Account, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, account_id, exchange_type,
		       api_key_encrypted, api_secret_encrypted, key_version,
		       testnet, requests_per_second, is_default, is_active,
		       created_at, updated_at
		FROM accounts
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var testnet, isDefault, isActive int
		if err := rows.Scan(&a.ID, &a.UserID, &a.AccountRef, &a.ExchangeType,
			&a.APIKeyEncrypted, &a.APISecretEncrypted, &a.KeyVersion,
			&testnet, &a.RequestsPerSecond, &isDefault, &isActive,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Testnet = testnet != 0
		a.IsDefault = isDefault != 0
		a.IsActive = isActive != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccountByAnyUserRef resolves an account by its short ref without
// scoping by user_id, for the single-operator deployment shape where the
// account registry addresses accounts by ref alone.
func GetAccountByAnyUserRef(ctx context.Context, db *sql.DB, accountRef string) (*Account, error) {
	var a Account
	var testnet, isDefault, isActive int
	err := db.QueryRowContext(ctx, `
		SELECT id, user_id, account_id, exchange_type,
		       api_key_encrypted, api_secret_encrypted, key_version,
		       testnet, requests_per_second, is_default, is_active,
		       created_at, updated_at
		FROM accounts
		WHERE account_id = ? AND is_active = 1
		LIMIT 1
	`, accountRef).Scan(&a.ID, &a.UserID, &a.AccountRef, &a.ExchangeType,
		&a.APIKeyEncrypted, &a.APISecretEncrypted, &a.KeyVersion,
		&testnet, &a.RequestsPerSecond, &isDefault, &isActive,
		&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	a.Testnet = testnet != 0
	a.IsDefault = isDefault != 0
	a.IsActive = isActive != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
