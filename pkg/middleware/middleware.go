package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-lend/internal/auth"
	"github.com/ksred/klear-lend/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits configures requests per minute by endpoint group.
// Zero disables limiting for the group.
type RateLimits struct {
	AuthPerMinute int
	OpsPerMinute  int
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60.0)
}

func limitFor(path string, limits RateLimits) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return perMinute(limits.AuthPerMinute)
	case strings.HasPrefix(path, "/api/v1/positions"), strings.HasPrefix(path, "/api/v1/liquidations"):
		return perMinute(limits.OpsPerMinute)
	default:
		return rate.Inf
	}
}

func getLimiter(path, client string, limits RateLimits) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := client + ":" + path
	v, exists := visitors[key]
	if !exists {
		limit := limitFor(path, limits)
		burst := 1
		if limit != rate.Inf && limit > 1 {
			burst = int(limit)
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles each client per route. Install it after JWTAuth to key
// requests by client ID; without an authenticated caller it keys by IP.
func RateLimit(limits RateLimits) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.GetString(auth.ContextClientID)
		if client == "" {
			client = c.ClientIP()
		}

		if !getLimiter(c.FullPath(), client, limits).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator validates bearer tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// JWTAuth requires a valid bearer token and stores the caller in the context
func JWTAuth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := validateAndExtractClaims(c, tokens)
		if !ok {
			return
		}

		c.Set(auth.ContextClaims, claims)
		c.Set(auth.ContextClientID, claims.ClientID)
		c.Set(auth.ContextPermissions, claims.Permissions)
		c.Next()
	}
}

// InternalAuth guards operator routes. The caller needs a valid token carrying
// the admin permission.
func InternalAuth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := validateAndExtractClaims(c, tokens)
		if !ok {
			return
		}

		isAdmin := false
		for _, p := range claims.Permissions {
			if p == auth.PermissionAdmin {
				isAdmin = true
				break
			}
		}
		if !isAdmin {
			response.Forbidden(c, "Internal route requires admin permission")
			c.Abort()
			return
		}

		c.Set(auth.ContextClaims, claims)
		c.Set(auth.ContextClientID, claims.ClientID)
		c.Set(auth.ContextPermissions, claims.Permissions)
		c.Next()
	}
}

func validateAndExtractClaims(c *gin.Context, tokens TokenValidator) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	claims, err := tokens.ValidateToken(bearerToken[1])
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}
	return claims, true
}
