package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrProviderUnavailable wraps network/timeout/non-success responses from a
	// payment provider. Retryable by the caller; adapters never retry themselves.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrNotConfirmed means the provider reports the intent as not succeeded (yet).
	// No ledger mutation is made; confirmation can be retried.
	ErrNotConfirmed = errors.New("payment not confirmed by provider")
)

type (
	// CardProvider creates payment intents confirmed out-of-band on the client
	// and verifies them on demand. There is no callback channel.
	CardProvider interface {
		CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (CardIntent, error)
		VerifyIntent(ctx context.Context, intentID string) (CardConfirmation, error)
	}

	// MobileMoneyProvider pushes a payment prompt to the customer's phone and
	// returns the correlation token a later callback will carry. Initiation does
	// not itself confirm payment.
	MobileMoneyProvider interface {
		InitiatePush(ctx context.Context, phone string, amount decimal.Decimal) (string, error)
	}
)
