package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-lend/internal/lending"
	"github.com/ksred/klear-lend/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Permissions granted to API credentials.
const (
	PermissionLend      = "lend"
	PermissionLiquidate = "liquidate"
	PermissionAdmin     = "admin"
)

// Test credentials
var (
	TestAPIKey           = "test-api-key"
	TestAPISecret        = "test-api-secret"
	TestLiquidatorKey    = "test-liquidator-key"
	TestLiquidatorSecret = "test-liquidator-secret"
	TestAdminKey         = "test-admin-key"
	TestAdminSecret      = "test-admin-secret"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

type credential struct {
	secret      string
	permissions []string
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration

	mu sync.RWMutex
	// In a real deployment credentials live in a secrets store
	apiCredentials map[string]credential
}

// NewService creates a new authentication service with the given JWT secret
// and token lifetime
func NewService(jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		tokenTTL:       tokenTTL,
		apiCredentials: make(map[string]credential),
	}
}

// GenerateToken generates a JWT token for valid API credentials
// The token carries the client ID and the permissions registered for the key
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	cred, ok := s.validateCredentials(creds)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey, // the API key doubles as the participant identity
		Permissions: cred.permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) validateCredentials(creds Credentials) (credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, exists := s.apiCredentials[creds.APIKey]
	return cred, exists && cred.secret == creds.APISecret
}

// RegisterAPICredentials registers API credentials with the given permissions
// (for testing/demo purposes)
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = credential{
		secret:      apiSecret,
		permissions: append([]string(nil), permissions...),
	}
}

// RegisterTestCredentials registers the test borrower, liquidator and admin
// credentials (for testing/demo purposes)
func (s *Service) RegisterTestCredentials() {
	s.RegisterAPICredentials(TestAPIKey, TestAPISecret, PermissionLend)
	s.RegisterAPICredentials(TestLiquidatorKey, TestLiquidatorSecret, PermissionLiquidate)
	s.RegisterAPICredentials(TestAdminKey, TestAdminSecret, PermissionAdmin)
}

// PolicyAuthorizer grants participants control over their own position and
// lets holders of the liquidate permission liquidate anyone else's.
type PolicyAuthorizer struct{}

func (PolicyAuthorizer) Authorize(_ context.Context, caller lending.Caller, owner string, action lending.Action) error {
	switch action {
	case lending.ActionDeposit, lending.ActionBorrow, lending.ActionRepay:
		if !caller.HasPermission(PermissionLend) {
			return fmt.Errorf("%w: %s lacks %q permission", lending.ErrUnauthorized, caller.ID, PermissionLend)
		}
		if caller.ID != owner {
			return fmt.Errorf("%w: %s cannot act on position of %s", lending.ErrUnauthorized, caller.ID, owner)
		}
		return nil
	case lending.ActionLiquidate:
		if !caller.HasPermission(PermissionLiquidate) {
			return fmt.Errorf("%w: %s lacks %q permission", lending.ErrUnauthorized, caller.ID, PermissionLiquidate)
		}
		if caller.ID == owner {
			return fmt.Errorf("%w: %s cannot liquidate own position", lending.ErrUnauthorized, caller.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", lending.ErrUnauthorized, action)
	}
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// Context keys set by the JWT middleware
const (
	ContextClientID    = "clientID"
	ContextPermissions = "permissions"
	ContextClaims      = "claims"
)

// CallerFromContext extracts the authenticated caller set by the JWT middleware
// Returns false if the request carries no client ID
func CallerFromContext(c *gin.Context) (lending.Caller, bool) {
	clientID := c.GetString(ContextClientID)
	if clientID == "" {
		return lending.Caller{}, false
	}
	return lending.Caller{
		ID:          clientID,
		Permissions: c.GetStringSlice(ContextPermissions),
	}, true
}
