// Package account is the Account Registry (spec component B): a mapping
// from account id to decrypted exchange credentials and a lazily
// constructed exchange.Client. Accounts are keyed by a lowercase short
// string (e.g. "default", "main1").
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"futurestrader/internal/exchange"
	"futurestrader/pkg/crypto"
	"futurestrader/pkg/exchanges/binance/futures_usdt"
)

var (
	ErrUnknownAccount  = errors.New("account: unknown account id")
	ErrEmptyCredential = errors.New("account: decrypted credential is empty")
)

// Credentials is one account's exchange connection as stored by the state
// store.
type Credentials struct {
	AccountID          string
	ExchangeType       string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	Testnet            bool
	RequestsPerSecond  float64
}

// Loader resolves account credentials from the backing store. Implemented
// by internal/store in production and by a fake in tests.
type Loader interface {
	GetAccountCredentials(ctx context.Context, accountID string) (Credentials, error)
	AccountExists(ctx context.Context, accountID string) (bool, error)
}

// Registry lazily builds one exchange.Client per account id and caches it
// for the lifetime of the process. A test harness may override the client
// for any account id; the override always wins over the lazily constructed
// one.
type Registry struct {
	mu     sync.RWMutex
	loader Loader
	keys   *crypto.KeyManager

	clients     map[string]exchange.Client
	testClients map[string]exchange.Client
}

func NewRegistry(loader Loader, keys *crypto.KeyManager) *Registry {
	return &Registry{
		loader:      loader,
		keys:        keys,
		clients:     make(map[string]exchange.Client),
		testClients: make(map[string]exchange.Client),
	}
}

// normalize lowercases and trims the account id the way strategy
// registration does.
func normalize(accountID string) string {
	return strings.ToLower(strings.TrimSpace(accountID))
}

// InjectTestClient overrides the client used for accountID. Intended for
// test harnesses; this always takes priority over the lazily constructed
// client, including for accounts that do not exist in the loader.
func (r *Registry) InjectTestClient(accountID string, c exchange.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.testClients[normalize(accountID)] = c
}

// ClearTestClient removes a previously injected override.
func (r *Registry) ClearTestClient(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.testClients, normalize(accountID))
}

// AccountExists reports whether accountID is a known, registered account.
// Used at strategy-registration time to reject unknown accounts.
func (r *Registry) AccountExists(ctx context.Context, accountID string) (bool, error) {
	id := normalize(accountID)
	r.mu.RLock()
	_, overridden := r.testClients[id]
	r.mu.RUnlock()
	if overridden {
		return true, nil
	}
	return r.loader.AccountExists(ctx, id)
}

// GetClient returns the live exchange.Client for accountID, constructing
// it on first use. Safe for concurrent use by multiple strategy tasks.
func (r *Registry) GetClient(ctx context.Context, accountID string) (exchange.Client, error) {
	id := normalize(accountID)

	r.mu.RLock()
	if c, ok := r.testClients[id]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	if c, ok := r.clients[id]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check after acquiring the write lock in case another goroutine
	// built the client while we were waiting.
	if c, ok := r.testClients[id]; ok {
		return c, nil
	}
	if c, ok := r.clients[id]; ok {
		return c, nil
	}

	c, err := r.buildClient(ctx, id)
	if err != nil {
		return nil, err
	}
	r.clients[id] = c
	return c, nil
}

func (r *Registry) buildClient(ctx context.Context, accountID string) (exchange.Client, error) {
	creds, err := r.loader.GetAccountCredentials(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account %q: %w", accountID, ErrUnknownAccount)
	}

	apiKey, err := r.keys.Decrypt(creds.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("account %q: decrypt api key: %w", accountID, err)
	}
	apiSecret, err := r.keys.Decrypt(creds.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("account %q: decrypt api secret: %w", accountID, err)
	}
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("account %q: %w", accountID, ErrEmptyCredential)
	}

	cfg := futures_usdt.Config{
		APIKey:    apiKey,
		APISecret: apiSecret,
		Testnet:   creds.Testnet,
	}
	return exchange.NewBinanceClient(cfg, creds.RequestsPerSecond), nil
}

// Forget evicts a cached client, forcing it to be rebuilt (with fresh
// credentials) on next use. Called after credential rotation.
func (r *Registry) Forget(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, normalize(accountID))
}
