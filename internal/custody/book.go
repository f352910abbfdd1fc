package custody

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-lend/internal/lending"
	"github.com/rs/zerolog/log"
)

var (
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	ErrAccountFrozen     = errors.New("custody: account frozen")
	ErrInvalidSigner     = errors.New("custody: signer has no authority over source account")
	ErrOverflow          = errors.New("custody: balance overflow")
	ErrUnavailable       = errors.New("custody: transfer rail unavailable")
	ErrInvalidTransfer   = errors.New("custody: invalid transfer")
)

// Book is an in-memory custody ledger. Vault accounts are registered up front
// and can only be debited under the vault signer; every other account is a
// participant wallet that only its owner may debit.
type Book struct {
	mu       sync.Mutex
	balances map[lending.Account]uint64
	frozen   map[lending.Account]bool
	vaults   map[lending.Account]bool
	signer   string

	minLatency  time.Duration
	maxLatency  time.Duration
	successRate float64
	rng         *rand.Rand
}

// Option configures a Book.
type Option func(*Book)

// WithLatency delays each transfer by a random duration in [lo, hi].
func WithLatency(lo, hi time.Duration) Option {
	return func(b *Book) {
		if hi < lo {
			hi = lo
		}
		b.minLatency, b.maxLatency = lo, hi
	}
}

// WithSuccessRate makes a fraction (1 - rate) of transfers fail with
// ErrUnavailable before any value moves.
func WithSuccessRate(rate float64) Option {
	return func(b *Book) {
		b.successRate = rate
	}
}

// WithSeed makes latency and failure simulation deterministic.
func WithSeed(seed int64) Option {
	return func(b *Book) {
		b.rng = rand.New(rand.NewSource(seed))
	}
}

// NewBook creates a custody book whose vault accounts are controlled by
// vaultSigner.
func NewBook(vaultSigner string, vaults []lending.Account, opts ...Option) *Book {
	b := &Book{
		balances:    make(map[lending.Account]uint64),
		frozen:      make(map[lending.Account]bool),
		vaults:      make(map[lending.Account]bool),
		signer:      vaultSigner,
		successRate: 1,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, v := range vaults {
		b.vaults[v] = true
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Credit funds an account from outside the ledger.
func (b *Book) Credit(account lending.Account, amount uint64) error {
	if account == "" {
		return fmt.Errorf("%w: empty account", ErrInvalidTransfer)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sum, carry := bits.Add64(b.balances[account], amount, 0)
	if carry != 0 {
		return fmt.Errorf("credit %d to %s: %w", amount, account, ErrOverflow)
	}
	b.balances[account] = sum
	return nil
}

// Balance returns the current balance of account.
func (b *Book) Balance(account lending.Account) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account]
}

func (b *Book) Freeze(account lending.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen[account] = true
}

func (b *Book) Unfreeze(account lending.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.frozen, account)
}

// Transfer moves t.Amount from t.From to t.To, or nothing at all.
func (b *Book) Transfer(ctx context.Context, t lending.Transfer) error {
	logger := log.With().
		Str("component", "custody").
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Uint64("amount", t.Amount).
		Logger()

	if t.Amount == 0 || t.From == "" || t.To == "" || t.From == t.To {
		return ErrInvalidTransfer
	}
	if t.Signer == nil {
		return fmt.Errorf("%w: missing signer", ErrInvalidSigner)
	}

	if err := b.simulateRail(ctx); err != nil {
		logger.Warn().Err(err).Msg("transfer rail failure")
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkSigner(t.From, t.Signer); err != nil {
		return err
	}
	if b.frozen[t.From] {
		return fmt.Errorf("%s: %w", t.From, ErrAccountFrozen)
	}
	if b.frozen[t.To] {
		return fmt.Errorf("%s: %w", t.To, ErrAccountFrozen)
	}
	if b.balances[t.From] < t.Amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", t.From, b.balances[t.From], t.Amount, ErrInsufficientFunds)
	}
	credited, carry := bits.Add64(b.balances[t.To], t.Amount, 0)
	if carry != 0 {
		return fmt.Errorf("%s: %w", t.To, ErrOverflow)
	}

	b.balances[t.From] -= t.Amount
	b.balances[t.To] = credited

	logger.Debug().Str("signer", t.Signer.SignerID()).Msg("transfer settled")
	return nil
}

func (b *Book) checkSigner(from lending.Account, s lending.CustodySigner) error {
	if b.vaults[from] {
		if s.Kind() != lending.SignerVault || s.SignerID() != b.signer {
			return fmt.Errorf("%w: %s may not debit vault %s", ErrInvalidSigner, s.SignerID(), from)
		}
		return nil
	}
	owner, ok := lending.WalletOwner(from)
	if !ok || s.Kind() != lending.SignerParticipant || s.SignerID() != owner {
		return fmt.Errorf("%w: %s may not debit %s", ErrInvalidSigner, s.SignerID(), from)
	}
	return nil
}

// simulateRail applies the configured latency and failure rate. It runs
// outside the book lock so slow transfers do not serialize unrelated accounts.
func (b *Book) simulateRail(ctx context.Context) error {
	b.mu.Lock()
	var delay time.Duration
	if b.maxLatency > 0 {
		delay = b.minLatency
		if spread := b.maxLatency - b.minLatency; spread > 0 {
			delay += time.Duration(b.rng.Int63n(int64(spread) + 1))
		}
	}
	fail := b.successRate < 1 && b.rng.Float64() > b.successRate
	b.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fail {
		return ErrUnavailable
	}
	return nil
}
