package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futurestrader/internal/exchange"
	"futurestrader/pkg/crypto"
)

type fakeLoader struct {
	creds map[string]Credentials
}

func (f *fakeLoader) GetAccountCredentials(ctx context.Context, accountID string) (Credentials, error) {
	c, ok := f.creds[accountID]
	if !ok {
		return Credentials{}, ErrUnknownAccount
	}
	return c, nil
}

func (f *fakeLoader) AccountExists(ctx context.Context, accountID string) (bool, error) {
	_, ok := f.creds[accountID]
	return ok, nil
}

func testKeyManager(t *testing.T) *crypto.KeyManager {
	t.Helper()
	keyB64, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("MASTER_ENCRYPTION_KEY", keyB64)
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)
	return km
}

func TestAccountExistsDelegatesToLoader(t *testing.T) {
	km := testKeyManager(t)
	enc, err := km.Encrypt("key")
	require.NoError(t, err)
	loader := &fakeLoader{creds: map[string]Credentials{
		"default": {AccountID: "default", APIKeyEncrypted: enc, APISecretEncrypted: enc},
	}}
	reg := NewRegistry(loader, km)

	ok, err := reg.AccountExists(context.Background(), "DEFAULT")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.AccountExists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInjectTestClientOverridesLazyConstruction(t *testing.T) {
	km := testKeyManager(t)
	loader := &fakeLoader{creds: map[string]Credentials{}}
	reg := NewRegistry(loader, km)

	mock := exchange.NewMock()
	reg.InjectTestClient("default", mock)

	exists, err := reg.AccountExists(context.Background(), "default")
	require.NoError(t, err)
	assert.True(t, exists, "injected client should make the account exist even without a loader entry")

	c, err := reg.GetClient(context.Background(), "DEFAULT")
	require.NoError(t, err)
	assert.Same(t, exchange.Client(mock), c)
}

func TestGetClientBuildsFromDecryptedCredentials(t *testing.T) {
	km := testKeyManager(t)
	apiKey, err := km.Encrypt("test-api-key")
	require.NoError(t, err)
	apiSecret, err := km.Encrypt("test-api-secret")
	require.NoError(t, err)

	loader := &fakeLoader{creds: map[string]Credentials{
		"main1": {AccountID: "main1", APIKeyEncrypted: apiKey, APISecretEncrypted: apiSecret, Testnet: true, RequestsPerSecond: 5},
	}}
	reg := NewRegistry(loader, km)

	c1, err := reg.GetClient(context.Background(), "main1")
	require.NoError(t, err)
	require.NotNil(t, c1)

	c2, err := reg.GetClient(context.Background(), "main1")
	require.NoError(t, err)
	assert.Same(t, c1, c2, "second call should return the cached client")
}

func TestGetClientUnknownAccountErrors(t *testing.T) {
	km := testKeyManager(t)
	loader := &fakeLoader{creds: map[string]Credentials{}}
	reg := NewRegistry(loader, km)

	_, err := reg.GetClient(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestForgetEvictsCachedClient(t *testing.T) {
	km := testKeyManager(t)
	apiKey, err := km.Encrypt("k")
	require.NoError(t, err)
	loader := &fakeLoader{creds: map[string]Credentials{
		"default": {AccountID: "default", APIKeyEncrypted: apiKey, APISecretEncrypted: apiKey},
	}}
	reg := NewRegistry(loader, km)

	c1, err := reg.GetClient(context.Background(), "default")
	require.NoError(t, err)

	reg.Forget("default")

	c2, err := reg.GetClient(context.Background(), "default")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2, "forgetting should force a fresh client on next use")
}
