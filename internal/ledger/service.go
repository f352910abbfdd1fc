package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-lend/internal/lending"
	"github.com/ksred/klear-lend/internal/locker"
	"github.com/ksred/klear-lend/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrInvalidOwner          = errors.New("ledger: invalid position owner")
	ErrIdempotencyKeyReused  = errors.New("ledger: idempotency key reused for a different operation")
	ErrIdempotencyKeyMissing = errors.New("ledger: idempotency key required")
)

// OperationRequest asks the ledger to apply one operation to Owner's position
// on behalf of Caller.
type OperationRequest struct {
	Caller         lending.Caller
	Owner          string
	Amount         uint64
	IdempotencyKey string
}

// Service hosts the lending engine over persistent positions. Operations on
// one position are serialized through the locker.
type Service struct {
	db      *Database
	engine  *lending.Engine
	locker  locker.Locker
	metrics *Metrics
}

// NewService creates a ledger service. metrics may be nil.
func NewService(gormDB *gorm.DB, engine *lending.Engine, lk locker.Locker, metrics *Metrics) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		engine:  engine,
		locker:  lk,
		metrics: metrics,
	}
}

func positionLockKey(owner string) string {
	return "position:" + owner
}

func validateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" || strings.ContainsAny(owner, ": \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}
	return nil
}

// OpenPosition provisions an empty position for owner
func (s *Service) OpenPosition(ctx context.Context, owner string) (*types.PositionResponse, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}

	var out *types.PositionResponse
	err := s.locker.WithLock(ctx, positionLockKey(owner), func(ctx context.Context) error {
		record, err := s.db.CreatePosition(ctx, lending.NewPosition(owner))
		if err != nil {
			return err
		}
		out = record.Response()
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("service", "ledger").Str("owner", owner).Msg("position opened")
	return out, nil
}

func (s *Service) GetPosition(ctx context.Context, owner string) (*types.PositionResponse, error) {
	record, err := s.db.GetPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	return record.Response(), nil
}

func (s *Service) ListPositions(ctx context.Context) ([]*types.PositionResponse, error) {
	records, err := s.db.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.PositionResponse, 0, len(records))
	for _, r := range records {
		out = append(out, r.Response())
	}
	return out, nil
}

// ListOperations returns owner's journal, newest first
func (s *Service) ListOperations(ctx context.Context, owner string, limit int) ([]*types.OperationResponse, error) {
	if _, err := s.db.GetPosition(ctx, owner); err != nil {
		return nil, err
	}
	records, err := s.db.ListOperations(ctx, owner, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*types.OperationResponse, 0, len(records))
	for _, r := range records {
		out = append(out, r.Response())
	}
	return out, nil
}

func (s *Service) Deposit(ctx context.Context, req OperationRequest) (*types.OperationResponse, error) {
	return s.apply(ctx, lending.ActionDeposit, req)
}

func (s *Service) Borrow(ctx context.Context, req OperationRequest) (*types.OperationResponse, error) {
	return s.apply(ctx, lending.ActionBorrow, req)
}

func (s *Service) Repay(ctx context.Context, req OperationRequest) (*types.OperationResponse, error) {
	return s.apply(ctx, lending.ActionRepay, req)
}

func (s *Service) Liquidate(ctx context.Context, req OperationRequest) (*types.OperationResponse, error) {
	return s.apply(ctx, lending.ActionLiquidate, req)
}

func (s *Service) run(ctx context.Context, action lending.Action, caller lending.Caller, pos lending.Position, amount uint64) (lending.Position, error) {
	switch action {
	case lending.ActionDeposit:
		return s.engine.Deposit(ctx, caller, pos, amount)
	case lending.ActionBorrow:
		return s.engine.Borrow(ctx, caller, pos, amount)
	case lending.ActionRepay:
		return s.engine.Repay(ctx, caller, pos, amount)
	case lending.ActionLiquidate:
		return s.engine.Liquidate(ctx, caller, pos, amount)
	default:
		return pos, fmt.Errorf("ledger: unknown action %q", action)
	}
}

// apply runs one operation end to end:
//  1. authorize the caller against the owner, before any position data is read
//  2. replay a committed operation with the same idempotency key
//  3. lock the position
//  4. load it and run the engine
//  5. persist the new balances, journal entry and idempotency record together
//
// Operations rejected after the position is loaded are journaled without
// touching the position. Unauthorized attempts never reach the owner's journal.
func (s *Service) apply(ctx context.Context, action lending.Action, req OperationRequest) (resp *types.OperationResponse, err error) {
	start := time.Now()
	result := resultError
	defer func() { s.metrics.observe(string(action), result, start) }()

	logger := log.With().
		Str("service", "ledger").
		Str("operation", string(action)).
		Str("owner", req.Owner).
		Str("caller", req.Caller.ID).
		Uint64("amount", req.Amount).
		Logger()

	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, ErrIdempotencyKeyMissing
	}
	key := scopedIdempotencyKey(req.Caller.ID, req.IdempotencyKey)

	if err := s.engine.Admit(ctx, req.Caller, req.Owner, action, req.Amount); err != nil {
		result = resultRejected
		logger.Warn().Err(err).Str("error_code", lending.Kind(err)).Msg("operation not admitted")
		return nil, err
	}

	if replay, err := s.replay(ctx, key, action, req.Owner); err != nil || replay != nil {
		if replay != nil {
			result = resultReplayed
		}
		return replay, err
	}

	err = s.locker.WithLock(ctx, positionLockKey(req.Owner), func(ctx context.Context) error {
		// A request with the same key may have committed while we waited
		replay, err := s.replay(ctx, key, action, req.Owner)
		if err != nil {
			return err
		}
		if replay != nil {
			result = resultReplayed
			resp = replay
			return nil
		}

		record, err := s.db.GetPosition(ctx, req.Owner)
		if err != nil {
			return err
		}
		before := record.Position()

		after, opErr := s.run(ctx, action, req.Caller, before, req.Amount)
		op := newOperationRecord(action, req, before, after)

		// Persisting must outlive a cancelled request once custody has moved
		persistCtx := context.WithoutCancel(ctx)

		if opErr != nil {
			result = resultRejected
			op.Status = StatusRejected
			op.ErrorCode = lending.Kind(opErr)
			op.CollateralAfter, op.BorrowedAfter = op.CollateralBefore, op.BorrowedBefore
			if err := s.db.RecordRejection(persistCtx, op); err != nil {
				logger.Error().Err(err).Msg("failed to journal rejected operation")
			}
			logger.Warn().Err(opErr).Str("error_code", op.ErrorCode).Msg("operation rejected")
			return opErr
		}

		if err := s.db.CommitOperation(persistCtx, op, key); err != nil {
			logger.Error().
				Err(err).
				Str("operation_id", op.OperationID).
				Uint64("collateral_after", after.Collateral).
				Uint64("borrowed_after", after.Borrowed).
				Msg("custody transfer completed but ledger commit failed")
			return err
		}

		result = resultCommitted
		resp = op.Response()
		logger.Info().
			Object("op", op).
			Uint64("collateral", after.Collateral).
			Uint64("borrowed", after.Borrowed).
			Msg("operation committed")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func scopedIdempotencyKey(callerID, key string) string {
	return callerID + ":" + strings.TrimSpace(key)
}

// replay returns the committed operation recorded under key, or nil if there
// is none.
func (s *Service) replay(ctx context.Context, key string, action lending.Action, owner string) (*types.OperationResponse, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, key)
	if err != nil || record == nil {
		return nil, err
	}

	op, err := s.db.GetOperation(ctx, record.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("load operation %s for idempotency key: %w", record.ResourceID, err)
	}
	if op.Kind != string(action) || op.Owner != owner {
		return nil, fmt.Errorf("%w: key was used for %s on %s", ErrIdempotencyKeyReused, op.Kind, op.Owner)
	}

	resp := op.Response()
	resp.Replayed = true
	return resp, nil
}

func newOperationRecord(action lending.Action, req OperationRequest, before, after lending.Position) *OperationRecord {
	return &OperationRecord{
		OperationID:      "OP_" + uuid.New().String(),
		Owner:            req.Owner,
		Caller:           req.Caller.ID,
		Kind:             string(action),
		Amount:           Amount(req.Amount),
		Status:           StatusCommitted,
		CollateralBefore: Amount(before.Collateral),
		BorrowedBefore:   Amount(before.Borrowed),
		CollateralAfter:  Amount(after.Collateral),
		BorrowedAfter:    Amount(after.Borrowed),
	}
}

// Liquidatable returns the positions currently eligible for liquidation
func (s *Service) Liquidatable(ctx context.Context) ([]lending.Position, error) {
	records, err := s.db.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	var out []lending.Position
	for _, r := range records {
		if pos := r.Position(); pos.Liquidatable() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (r *OperationRecord) MarshalZerologObject(e *zerolog.Event) {
	e.Str("operation_id", r.OperationID).
		Str("kind", r.Kind).
		Str("status", r.Status).
		Uint64("amount", uint64(r.Amount))
}
