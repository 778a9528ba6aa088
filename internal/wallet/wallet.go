// Package wallet owns users' cash balances. Every change is an immutable
// WalletTransaction written in the same store transaction as the balance
// update.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/metrics"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/money"
	"github.com/teamexchange/market-engine/internal/store"
)

// Ledger credits and debits user wallets.
type Ledger struct {
	store    store.Store
	currency string
	logger   *zap.Logger
	now      func() time.Time
}

// NewLedger creates a wallet ledger settling in the given currency.
func NewLedger(st store.Store, currency string, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:    st,
		currency: strings.ToUpper(currency),
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Currency returns the configured settlement currency.
func (l *Ledger) Currency() string { return l.currency }

// OpenAccount registers a user with an empty wallet.
func (l *Ledger) OpenAccount(ctx context.Context, p auth.Principal, userID string) (*model.User, error) {
	if err := auth.RequireInternal(p, "open account"); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindUser, userID); err != nil {
		return nil, err
	}
	user := &model.User{ID: userID, CreatedAt: l.now().UTC()}
	if err := l.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("open account %s: %w", userID, err)
	}
	l.logger.Info("account opened", zap.String("user_id", userID))
	return user, nil
}

// Transactions returns a user's wallet history, oldest first.
func (l *Ledger) Transactions(ctx context.Context, p auth.Principal, userID string) ([]model.WalletTransaction, error) {
	if err := auth.CanActFor(p, userID); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindUser, userID); err != nil {
		return nil, err
	}
	if _, err := l.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.ListWalletTransactions(ctx, userID)
}

// CreditResult is the outcome of Credit.
type CreditResult struct {
	Transaction  model.WalletTransaction `json:"transaction"`
	BalanceCents int64                   `json:"balance_cents"`
	Replayed     bool                    `json:"replayed"` // key already applied; nothing changed
}

// Credit adds funds to a user's wallet. A repeated (user, key) returns the
// original transaction without changing the balance.
func (l *Ledger) Credit(ctx context.Context, p auth.Principal, userID string, amountCents int64, key, currency string) (*CreditResult, error) {
	if err := auth.RequireInternal(p, "credit wallet"); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindUser, userID); err != nil {
		return nil, err
	}
	if err := ident.ValidateKey(key); err != nil {
		return nil, err
	}
	if amountCents <= 0 {
		return nil, model.Validationf("credit amount must be positive, got %d", amountCents)
	}
	if !strings.EqualFold(currency, l.currency) {
		return nil, model.Validationf("unsupported currency %q (only %s)", currency, l.currency)
	}

	var result CreditResult
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if key != "" {
			existing, err := tx.FindWalletTransaction(ctx, userID, key)
			if err != nil {
				return err
			}
			if existing != nil {
				result = CreditResult{Transaction: *existing, BalanceCents: user.WalletBalanceCents, Replayed: true}
				return nil
			}
		}
		txn, err := l.Post(ctx, tx, user, Entry{
			Type:           model.TxDeposit,
			AmountCents:    amountCents,
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		result = CreditResult{Transaction: *txn, BalanceCents: user.WalletBalanceCents}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrLockTimeout) {
			metrics.LockTimeouts.WithLabelValues("wallet_credit").Inc()
		}
		return nil, fmt.Errorf("credit wallet %s: %w", userID, err)
	}

	if result.Replayed {
		metrics.WalletCredits.WithLabelValues("replayed").Inc()
		l.logger.Info("wallet credit replayed",
			zap.String("user_id", userID),
			zap.String("idempotency_key", key),
			zap.String("transaction_id", result.Transaction.ID))
	} else {
		metrics.WalletCredits.WithLabelValues("applied").Inc()
		l.logger.Info("wallet credited",
			zap.String("user_id", userID),
			zap.Int64("amount_cents", amountCents),
			zap.String("balance", money.Format(result.BalanceCents)))
	}
	return &result, nil
}

// Entry describes one wallet movement for Post.
type Entry struct {
	Type           model.TransactionType
	AmountCents    int64 // signed: +credit, -debit
	IdempotencyKey string
	Reference      string
	At             time.Time // zero means now
}

// Post applies e to a user locked in tx and appends the transaction. It
// updates user.WalletBalanceCents in place. A debit beyond the balance is
// rejected with RejectInsufficientFunds.
func (l *Ledger) Post(ctx context.Context, tx store.Tx, user *model.User, e Entry) (*model.WalletTransaction, error) {
	if e.AmountCents == 0 {
		return nil, model.Validationf("wallet entry amount must be non-zero")
	}
	if e.AmountCents > 0 && user.WalletBalanceCents > math.MaxInt64-e.AmountCents {
		return nil, fmt.Errorf("%w: wallet balance of %s", money.ErrOverflow, user.ID)
	}
	balance := user.WalletBalanceCents + e.AmountCents
	if balance < 0 {
		return nil, model.Reject(model.RejectInsufficientFunds,
			"balance %s is less than %s", money.Format(user.WalletBalanceCents), money.Format(-e.AmountCents))
	}

	at := e.At
	if at.IsZero() {
		at = l.now().UTC()
	}
	txn := &model.WalletTransaction{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		Type:              e.Type,
		AmountCents:       e.AmountCents,
		BalanceAfterCents: balance,
		Currency:          l.currency,
		IdempotencyKey:    e.IdempotencyKey,
		Reference:         e.Reference,
		CreatedAt:         at,
	}
	if err := tx.InsertWalletTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := tx.UpdateUserBalance(ctx, user.ID, balance); err != nil {
		return nil, err
	}
	user.WalletBalanceCents = balance
	return txn, nil
}
