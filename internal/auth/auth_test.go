package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-lend/internal/lending"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	s := NewService("secret", time.Hour)
	s.RegisterTestCredentials()

	tok, err := s.GenerateToken(Credentials{APIKey: TestLiquidatorKey, APISecret: TestLiquidatorSecret})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiration, time.Minute)

	claims, err := s.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, TestLiquidatorKey, claims.ClientID)
	assert.Equal(t, []string{PermissionLiquidate}, claims.Permissions)
}

func TestGenerateTokenRejectsBadCredentials(t *testing.T) {
	s := NewService("secret", time.Hour)
	s.RegisterTestCredentials()

	_, err := s.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.GenerateToken(Credentials{APIKey: "unknown", APISecret: TestAPISecret})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejects(t *testing.T) {
	s := NewService("secret", time.Hour)
	s.RegisterTestCredentials()
	tok, err := s.GenerateToken(Credentials{APIKey: TestAPIKey, APISecret: TestAPISecret})
	require.NoError(t, err)

	other := NewService("other-secret", time.Hour)
	_, err = other.ValidateToken(tok.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		ClientID:         TestAPIKey,
	})
	signed, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = s.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPolicyAuthorizer(t *testing.T) {
	ctx := context.Background()
	lender := lending.Caller{ID: "alice", Permissions: []string{PermissionLend}}
	liquidator := lending.Caller{ID: "liq", Permissions: []string{PermissionLiquidate}}
	both := lending.Caller{ID: "bob", Permissions: []string{PermissionLend, PermissionLiquidate}}

	tests := []struct {
		name    string
		caller  lending.Caller
		owner   string
		action  lending.Action
		allowed bool
	}{
		{"own deposit", lender, "alice", lending.ActionDeposit, true},
		{"own borrow", lender, "alice", lending.ActionBorrow, true},
		{"own repay", lender, "alice", lending.ActionRepay, true},
		{"other deposit", lender, "bob", lending.ActionDeposit, false},
		{"lend without permission", liquidator, "liq", lending.ActionBorrow, false},
		{"liquidate other", liquidator, "alice", lending.ActionLiquidate, true},
		{"liquidate without permission", lender, "bob", lending.ActionLiquidate, false},
		{"self liquidation", both, "bob", lending.ActionLiquidate, false},
		{"unknown action", both, "bob", lending.Action("MINT"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PolicyAuthorizer{}.Authorize(ctx, tt.caller, tt.owner, tt.action)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, lending.ErrUnauthorized)
			}
		})
	}
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewService("secret", time.Hour)
	s.RegisterTestCredentials()
	router := gin.New()
	router.POST("/token", NewGinHandlers(s).GenerateTokenHandler())

	post := func(body interface{}) *httptest.ResponseRecorder {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(raw)))
		return w
	}

	assert.Equal(t, http.StatusCreated, post(Credentials{APIKey: TestAPIKey, APISecret: TestAPISecret}).Code)
	assert.Equal(t, http.StatusUnauthorized, post(Credentials{APIKey: TestAPIKey, APISecret: "nope"}).Code)
	assert.Equal(t, http.StatusBadRequest, post("garbage").Code)
}

func TestCallerFromContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	_, ok := CallerFromContext(c)
	assert.False(t, ok)

	c.Set(ContextClientID, "alice")
	c.Set(ContextPermissions, []string{PermissionLend})
	caller, ok := CallerFromContext(c)
	require.True(t, ok)
	assert.Equal(t, "alice", caller.ID)
	assert.True(t, caller.HasPermission(PermissionLend))
}
