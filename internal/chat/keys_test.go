package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgate/llmgate/internal/accounts"
	"github.com/llmgate/llmgate/internal/auth"
	inats "github.com/llmgate/llmgate/internal/nats"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type keyFixture struct {
	handler *KeyHandler
	issuer  *fakeIssuer
	table   *accountTable
	events  *eventLog
	userID  uuid.UUID
}

func setupKeys(t *testing.T) *keyFixture {
	t.Helper()
	enc, err := auth.NewEncryptor(testEncryptionKey)
	require.NoError(t, err)

	table := newAccountTable()
	userID := uuid.New()
	table.put(accounts.Account{ID: userID, Email: "k@example.com", Balance: decimal.Zero})

	issuer := &fakeIssuer{key: "sk-user-123"}
	events := &eventLog{}
	return &keyFixture{
		handler: NewKeyHandler(issuer, table, enc, events, testConfig()),
		issuer:  issuer,
		table:   table,
		events:  events,
		userID:  userID,
	}
}

func (f *keyFixture) call(fn http.HandlerFunc, method string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/v1/keys", nil)
	req = req.WithContext(auth.WithUserID(context.Background(), f.userID))
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decodeKey(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Data KeyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data.APIKey
}

func TestKeys_GenerateStoresSealedKey(t *testing.T) {
	f := setupKeys(t)

	rec := f.call(f.handler.Generate, http.MethodPost)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "sk-user-123", decodeKey(t, rec))

	assert.Equal(t, f.userID.String(), f.issuer.last.UserID)
	assert.Equal(t, []string{"gpt-4o", "deepseek-r1"}, f.issuer.last.Models)
	assert.Equal(t, "inf", f.issuer.last.Duration)

	stored := f.table.get(f.userID)
	require.True(t, stored.HasAPIKey())
	assert.NotContains(t, *stored.APIKeySealed, "sk-user-123")
	assert.Equal(t, []string{inats.EventKeyGenerated}, f.events.types())
}

func TestKeys_GetReturnsStoredKey(t *testing.T) {
	f := setupKeys(t)
	require.Equal(t, http.StatusCreated, f.call(f.handler.Generate, http.MethodPost).Code)

	rec := f.call(f.handler.Get, http.MethodGet)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sk-user-123", decodeKey(t, rec))
}

func TestKeys_GetWithoutKeyIsNotFound(t *testing.T) {
	f := setupKeys(t)
	assert.Equal(t, http.StatusNotFound, f.call(f.handler.Get, http.MethodGet).Code)
}

func TestKeys_GenerateUpstreamFailure(t *testing.T) {
	f := setupKeys(t)
	f.issuer.err = errors.New("gateway down")

	assert.Equal(t, http.StatusInternalServerError, f.call(f.handler.Generate, http.MethodPost).Code)
	acct := f.table.get(f.userID)
	assert.False(t, acct.HasAPIKey())
	assert.Empty(t, f.events.types())
}

func TestKeys_SealedKeyIsBoundToOwner(t *testing.T) {
	f := setupKeys(t)
	require.Equal(t, http.StatusCreated, f.call(f.handler.Generate, http.MethodPost).Code)

	// Copy the sealed value onto another account.
	other := uuid.New()
	sealed := *f.table.get(f.userID).APIKeySealed
	f.table.put(accounts.Account{ID: other, APIKeySealed: &sealed})
	f.userID = other

	assert.Equal(t, http.StatusInternalServerError, f.call(f.handler.Get, http.MethodGet).Code)
}

func TestKeys_MissingAccount(t *testing.T) {
	f := setupKeys(t)
	f.userID = uuid.New()
	assert.Equal(t, http.StatusInternalServerError, f.call(f.handler.Get, http.MethodGet).Code)
}
