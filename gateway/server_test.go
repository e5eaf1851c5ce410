package gateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"escrowd/crypto"
	"escrowd/escrow"
	"escrowd/gateway/auth"
	"escrowd/gateway/middleware"
	"escrowd/ledger"
	"escrowd/storage"
)

func gwAddr(b byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = b
	}
	return a
}

var (
	gwAlice   = gwAddr(0x01)
	gwBob     = gwAddr(0x02)
	gwAdmin   = gwAddr(0x0A)
	gwFee     = gwAddr(0x0F)
	gwCustody = gwAddr(0xCC)
)

type testGateway struct {
	server *Server
	engine *escrow.Engine
	ledger *ledger.InMemory
	nonce  atomic.Int64
}

func newTestGateway(t *testing.T, withStore bool) *testGateway {
	t.Helper()
	params, err := escrow.NewParams(escrow.ParamsConfig{
		FeeBps:       25,
		FeeRecipient: gwFee,
		Admin:        gwAdmin,
		FeeOnResolve: true,
	})
	require.NoError(t, err)

	engine := escrow.NewEngine(params)
	engine.SetState(storage.NewStore(storage.NewMemDB()))
	lgr := ledger.NewInMemory()
	engine.SetLedger(lgr)
	engine.SetCustody(gwCustody)

	authenticator := auth.NewAuthenticator(map[string]auth.Credential{
		"alice-key": {Secret: "alice-secret", Address: gwAlice},
		"bob-key":   {Secret: "bob-secret", Address: gwBob},
	}, time.Minute, 5*time.Minute, 128, nil)

	adminVerifier, err := auth.NewAdminVerifier("gw-admin-secret", nil)
	require.NoError(t, err)

	var store *SQLiteStore
	if withStore {
		store, err = NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
	}

	server := NewServer(ServerConfig{
		Engine:        engine,
		Authenticator: authenticator,
		AdminVerifier: adminVerifier,
		AdminAddress:  gwAdmin,
		Store:         store,
		RateLimit:     middleware.RateLimit{RequestsPerMinute: 6000, Burst: 1000},
	})
	return &testGateway{server: server, engine: engine, ledger: lgr}
}

func (g *testGateway) signedRequest(t *testing.T, key, secret, method, path string, body []byte, extra map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := fmt.Sprintf("nonce-%d", g.nonce.Add(1))
	sig := auth.ComputeSignature(secret, ts, nonce, method, path, body)
	req.Header.Set(auth.HeaderAPIKey, key)
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) adminRequest(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "ops@example.com",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("gw-admin-secret"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

func mustCounterparty() string {
	return crypto.EncodeAddress(gwBob)
}

func mustCreateBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(createRequest{
		Counterparty:    mustCounterparty(),
		Inputs:          []assetPayload{{Token: "TOKX", Amount: "100"}},
		Outputs:         []assetPayload{{Token: "TOKY", Amount: "50"}},
		DurationSeconds: 7200,
	})
	require.NoError(t, err)
	return body
}

func (g *testGateway) createEscrow(t *testing.T) escrowPayload {
	t.Helper()
	rec := g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, "/v1/escrows", mustCreateBody(t), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var payload escrowPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func (g *testGateway) fund(t *testing.T) {
	t.Helper()
	require.NoError(t, g.ledger.Mint("TOKX", gwAlice, big.NewInt(1000)))
	require.NoError(t, g.ledger.Mint("TOKY", gwBob, big.NewInt(1000)))
}

func TestGatewayLifecycle(t *testing.T) {
	g := newTestGateway(t, false)
	g.fund(t)

	created := g.createEscrow(t)
	require.Equal(t, "created", created.Status)
	require.NotZero(t, created.ID)
	base := fmt.Sprintf("/v1/escrows/%d", created.ID)

	rec := g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, base+"/deposit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = g.signedRequest(t, "bob-key", "bob-secret", http.MethodPost, base+"/deposit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var active escrowPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Equal(t, "active", active.Status)

	rec = g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, base+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = g.signedRequest(t, "bob-key", "bob-secret", http.MethodPost, base+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var completed escrowPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completed))
	require.Equal(t, "completed", completed.Status)

	// 25bp on 100 rounds down to 1; on 50 it floors to zero
	require.Equal(t, int64(99), g.ledger.BalanceOf("TOKX", gwBob).Int64())
	require.Equal(t, int64(1), g.ledger.BalanceOf("TOKX", gwFee).Int64())
	require.Equal(t, int64(50), g.ledger.BalanceOf("TOKY", gwAlice).Int64())

	rec = g.signedRequest(t, "alice-key", "alice-secret", http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = g.signedRequest(t, "alice-key", "alice-secret", http.MethodGet, "/v1/escrows", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		EscrowIDs []uint64 `json:"escrowIds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Contains(t, listing.EscrowIDs, created.ID)
}

func TestGatewayRejectsUnsignedRequests(t *testing.T) {
	g := newTestGateway(t, false)
	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", bytes.NewReader(mustCreateBody(t)))
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGatewayErrorMapping(t *testing.T) {
	g := newTestGateway(t, false)
	g.fund(t)
	created := g.createEscrow(t)
	base := fmt.Sprintf("/v1/escrows/%d", created.ID)

	// approve before activation conflicts with the state machine
	rec := g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, base+"/approve", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// unknown record
	rec = g.signedRequest(t, "alice-key", "alice-secret", http.MethodGet, "/v1/escrows/424242", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// depositing the same side twice conflicts
	rec = g.signedRequest(t, "bob-key", "bob-secret", http.MethodPost, base+"/deposit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = g.signedRequest(t, "bob-key", "bob-secret", http.MethodPost, base+"/deposit", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// malformed identifier
	rec = g.signedRequest(t, "alice-key", "alice-secret", http.MethodGet, "/v1/escrows/abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayPauseAndAdminOps(t *testing.T) {
	g := newTestGateway(t, false)
	g.fund(t)

	rec := g.adminRequest(t, "/v1/admin/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, "/v1/escrows", mustCreateBody(t), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	rec = g.adminRequest(t, "/v1/admin/unpause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = g.adminRequest(t, "/v1/admin/fee-rate", []byte(`{"bps":100}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, uint32(100), g.engine.Params().FeeBps())

	rec = g.adminRequest(t, "/v1/admin/fee-rate", []byte(`{"bps":501}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// admin routes refuse party credentials
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
	unauth := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(unauth, req)
	require.Equal(t, http.StatusUnauthorized, unauth.Code)
}

func TestGatewayDisputeResolution(t *testing.T) {
	g := newTestGateway(t, false)
	g.fund(t)
	created := g.createEscrow(t)
	base := fmt.Sprintf("/v1/escrows/%d", created.ID)

	rec := g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, base+"/deposit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = g.signedRequest(t, "bob-key", "bob-secret", http.MethodPost, base+"/deposit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, base+"/dispute", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var disputed escrowPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disputed))
	require.Equal(t, "disputed", disputed.Status)
	require.NotZero(t, disputed.DisputeDeadline)

	body, err := json.Marshal(resolveRequest{Winner: disputed.PartyB.Address})
	require.NoError(t, err)
	rec = g.adminRequest(t, fmt.Sprintf("/v1/admin/escrows/%d/resolve", created.ID), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved escrowPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	require.Equal(t, "resolved", resolved.Status)
	require.NotNil(t, resolved.Resolution)
	require.Equal(t, disputed.PartyB.Address, resolved.Resolution.Winner)
}

func TestGatewayIdempotentCreate(t *testing.T) {
	g := newTestGateway(t, true)
	g.fund(t)
	body := mustCreateBody(t)
	headers := map[string]string{headerIdempotencyKey: "create-1"}

	first := g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, "/v1/escrows", body, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	replay := g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, "/v1/escrows", body, headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.JSONEq(t, first.Body.String(), replay.Body.String())

	altered, err := json.Marshal(createRequest{
		Counterparty:    mustCounterparty(),
		Inputs:          []assetPayload{{Token: "TOKX", Amount: "999"}},
		Outputs:         []assetPayload{{Token: "TOKY", Amount: "50"}},
		DurationSeconds: 7200,
	})
	require.NoError(t, err)
	conflict := g.signedRequest(t, "alice-key", "alice-secret", http.MethodPost, "/v1/escrows", altered, headers)
	require.Equal(t, http.StatusConflict, conflict.Code)
}
