package stripesvc

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/DICKSON39/elearning/core"
	"github.com/DICKSON39/elearning/core/payment"
)

// Provider is the card-payment adapter. Intents are confirmed out-of-band on
// the client with the returned secret; VerifyIntent asks Stripe for the verdict.
type Provider struct {
	api *client.API
}

var _ payment.CardProvider = (*Provider)(nil)

func NewProvider(conf *core.Config) *Provider {
	httpClient := &http.Client{Timeout: conf.Server.ProviderTimeout}
	api := &client.API{}
	api.Init(conf.Stripe.SecretKey, stripe.NewBackends(httpClient))
	return &Provider{api: api}
}

func (p *Provider) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (payment.CardIntent, error) {
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	for key, val := range metadata {
		params.AddMetadata(key, val)
	}
	// network-level retries of this request must not mint a second intent
	params.SetIdempotencyKey(uuid.NewString())

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return payment.CardIntent{}, errors.Wrap(payment.ErrProviderUnavailable, err.Error())
	}
	return payment.CardIntent{IntentID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (p *Provider) VerifyIntent(ctx context.Context, intentID string) (payment.CardConfirmation, error) {
	pi, err := p.api.PaymentIntents.Get(intentID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return payment.CardConfirmation{}, errors.Wrap(payment.ErrProviderUnavailable, err.Error())
	}

	return payment.CardConfirmation{
		Succeeded: pi.Status == stripe.PaymentIntentStatusSucceeded,
		Amount:    decimal.NewFromInt(pi.Amount).Div(decimal.NewFromInt(100)),
	}, nil
}
