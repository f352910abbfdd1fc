package ledger

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-lend/internal/auth"
	"github.com/ksred/klear-lend/internal/locker"
	"github.com/ksred/klear-lend/internal/types"
	"github.com/ksred/klear-lend/pkg/response"
)

const defaultOperationsLimit = 100

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for position endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type operationFunc func(context.Context, OperationRequest) (*types.OperationResponse, error)

// GetPositionHandler returns the caller's own position
// Requires a valid JWT token
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := auth.CallerFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		position, err := h.service.GetPosition(c.Request.Context(), caller.ID)
		response.Handle(c, position, err)
	}
}

// ListOperationsHandler returns the caller's journal, newest first
// Query parameter: limit (default 100)
func (h *GinHandlers) ListOperationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := auth.CallerFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		limit := defaultOperationsLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = n
		}

		operations, err := h.service.ListOperations(c.Request.Context(), caller.ID, limit)
		response.Handle(c, operations, err)
	}
}

// DepositHandler handles POST requests moving collateral into the vault
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return h.ownOperation(h.service.Deposit)
}

// BorrowHandler handles POST requests drawing a loan against collateral
func (h *GinHandlers) BorrowHandler() gin.HandlerFunc {
	return h.ownOperation(h.service.Borrow)
}

// RepayHandler handles POST requests paying down debt
func (h *GinHandlers) RepayHandler() gin.HandlerFunc {
	return h.ownOperation(h.service.Repay)
}

// LiquidateHandler handles POST requests seizing an unhealthy position
// URL parameter: owner
func (h *GinHandlers) LiquidateHandler() gin.HandlerFunc {
	return h.operation(h.service.Liquidate, func(c *gin.Context, _ string) string {
		return c.Param("owner")
	})
}

func (h *GinHandlers) ownOperation(fn operationFunc) gin.HandlerFunc {
	return h.operation(fn, func(_ *gin.Context, callerID string) string {
		return callerID
	})
}

func (h *GinHandlers) operation(fn operationFunc, owner func(*gin.Context, string) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		caller, ok := auth.CallerFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req types.AmountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		op, err := fn(c.Request.Context(), OperationRequest{
			Caller:         caller,
			Owner:          owner(c, caller.ID),
			Amount:         req.Amount,
			IdempotencyKey: idempotencyKey,
		})
		handleServiceError(c, op, err)
	}
}

// OpenPositionHandler provisions an empty position
// Requires internal authentication
// URL parameter: owner
func (h *GinHandlers) OpenPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		position, err := h.service.OpenPosition(c.Request.Context(), c.Param("owner"))
		handleServiceError(c, position, err)
	}
}

// ListPositionsHandler returns every position
// Requires internal authentication
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.service.ListPositions(c.Request.Context())
		response.Handle(c, positions, err)
	}
}

func handleServiceError(c *gin.Context, data interface{}, err error) {
	switch {
	case errors.Is(err, ErrInvalidOwner), errors.Is(err, ErrIdempotencyKeyMissing):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrIdempotencyKeyReused):
		response.Conflict(c, err.Error())
	case errors.Is(err, locker.ErrLockNotAcquired):
		response.Conflict(c, "Position is busy, retry later")
	default:
		response.Handle(c, data, err)
	}
}
