package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-lend/internal/auth"
	"github.com/ksred/klear-lend/internal/config"
	"github.com/ksred/klear-lend/internal/lending"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "server.db")
	cfg.RateLimit.AuthPerMinute = 0
	cfg.RateLimit.OpsPerMinute = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type client struct {
	t      *testing.T
	router http.Handler
}

func (c client) do(method, path, token string, body interface{}, idempotent bool) (int, json.RawMessage) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotent {
		r.Header.Set("Idempotency-Key", uuid.NewString())
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, r)

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env.Data
}

func (c client) token(key, secret string) string {
	c.t.Helper()
	code, data := c.do(http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{APIKey: key, APISecret: secret}, false)
	require.Equal(c.t, http.StatusCreated, code)
	var tok auth.TokenResponse
	require.NoError(c.t, json.Unmarshal(data, &tok))
	return tok.Token
}

func exerciseLifecycle(t *testing.T, s *Server) {
	c := client{t: t, router: s.Router}
	admin := c.token(auth.TestAdminKey, auth.TestAdminSecret)
	borrower := c.token(auth.TestAPIKey, auth.TestAPISecret)
	owner := auth.TestAPIKey

	code, _ := c.do(http.MethodPost, "/api/v1/internal/positions/"+owner, admin, nil, false)
	require.Equal(t, http.StatusCreated, code)

	for account, amount := range map[string]uint64{
		string(lending.WalletAccount(owner)): 500,
		s.cfg.Vault.LoanAccount:              10_000,
	} {
		code, _ = c.do(http.MethodPost, "/api/v1/internal/custody/fund", admin, map[string]interface{}{"account": account, "amount": amount}, false)
		require.Equal(t, http.StatusCreated, code)
	}

	code, _ = c.do(http.MethodPost, "/api/v1/positions/me/deposit", borrower, map[string]uint64{"amount": 100}, true)
	require.Equal(t, http.StatusCreated, code)
	code, _ = c.do(http.MethodPost, "/api/v1/positions/me/borrow", borrower, map[string]uint64{"amount": 50}, true)
	require.Equal(t, http.StatusCreated, code)
	code, _ = c.do(http.MethodPost, "/api/v1/positions/me/borrow", borrower, map[string]uint64{"amount": 1}, true)
	require.Equal(t, http.StatusUnprocessableEntity, code)

	code, data := c.do(http.MethodGet, "/api/v1/internal/custody/accounts/"+string(lending.WalletAccount(owner)), admin, nil, false)
	require.Equal(t, http.StatusOK, code)
	var balance struct {
		Balance uint64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(data, &balance))
	assert.Equal(t, uint64(450), balance.Balance)
}

func TestServerLifecycle(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	exerciseLifecycle(t, s)

	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `lending_operations_total{operation="BORROW",result="rejected"} 1`)
	assert.Contains(t, string(body), "http_requests_total")
}

func TestServerWithRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Locker.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()

	s := newTestServer(t, cfg)
	exerciseLifecycle(t, s)
}

func TestServerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.LoanAccount = cfg.Vault.CollateralAccount
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Locker.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestServerRunShutsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = 18089
	s := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18089/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
