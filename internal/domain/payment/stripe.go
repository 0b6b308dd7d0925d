package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/hospital/backoffice/internal/platform/apperr"
)

// zeroDecimal lists currencies Stripe charges in whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// minorUnits converts amount to the integer the card network charges.
func minorUnits(amount decimal.Decimal, currency string) (int64, error) {
	cur := strings.ToLower(currency)
	if zeroDecimal[cur] {
		if !amount.IsInteger() {
			return 0, apperr.ValidationFields(map[string]string{"amount": "must be a whole amount in " + strings.ToUpper(cur)})
		}
		return amount.IntPart(), nil
	}
	return amount.Shift(2).Round(0).IntPart(), nil
}

type StripeConfig struct {
	SecretKey string
	Timeout   time.Duration
	// BaseURL overrides the API host, for tests.
	BaseURL string
	Logger  zerolog.Logger
}

// StripeGateway is the live card-intent channel.
type StripeGateway struct {
	api *client.API
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	bc := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		LeveledLogger:     stripeLogger{log: cfg.Logger.With().Str("component", "stripe").Logger()},
		MaxNetworkRetries: stripe.Int64(0),
		EnableTelemetry:   stripe.Bool(false),
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(cfg.BaseURL)
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, bc),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, bc),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, bc),
	})
	return &StripeGateway{api: api}
}

func (g *StripeGateway) Method() string { return MethodCard }

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	amount, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Description: stripe.String("Invoice " + req.InvoiceNumber),
	}
	params.Context = ctx
	params.AddMetadata("invoice_id", strconv.FormatInt(req.InvoiceID, 10))
	params.AddMetadata("invoice_number", req.InvoiceNumber)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, stripeError(err, "create payment intent")
	}
	return &Intent{
		ClientHandle: pi.ClientSecret,
		Reference:    pi.ID,
		Raw:          rawResponse(pi.LastResponse, pi),
	}, nil
}

func (g *StripeGateway) Cancel(ctx context.Context, reference string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	if _, err := g.api.PaymentIntents.Cancel(reference, params); err != nil {
		return stripeError(err, "cancel payment intent")
	}
	return nil
}

func (g *StripeGateway) QueryStatus(ctx context.Context, reference string) (GatewayResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return GatewayResult{}, stripeError(err, "retrieve payment intent")
	}
	return GatewayResult{Result: intentResult(pi.Status), Raw: rawResponse(pi.LastResponse, pi)}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	amount, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.Reference),
		Amount:        stripe.Int64(amount),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, stripeError(err, "create refund")
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, apperr.Gateway(nil, "card refund %s was %s", r.ID, r.Status)
	}
	return &RefundResult{Reference: r.ID, Raw: rawResponse(r.LastResponse, r)}, nil
}

func intentResult(s stripe.PaymentIntentStatus) Result {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return ResultSuccess
	case stripe.PaymentIntentStatusCanceled:
		return ResultFailed
	default:
		return ResultPending
	}
}

// rawResponse prefers the body exactly as received.
func rawResponse(resp *stripe.APIResponse, v any) json.RawMessage {
	if resp != nil && len(resp.RawJSON) > 0 {
		return json.RawMessage(resp.RawJSON)
	}
	return mustJSON(v)
}

// stripeError keeps timeouts recognizable and classifies provider refusals
// as gateway errors.
func stripeError(err error, op string) error {
	if isTimeout(err) {
		return fmt.Errorf("stripe %s: %w", op, err)
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return apperr.Gateway(err, "card gateway rejected %s: %s", op, se.Msg)
	}
	return apperr.Gateway(err, "card gateway %s failed", op)
}

// stripeLogger routes stripe-go's logging through zerolog.
type stripeLogger struct {
	log zerolog.Logger
}

func (l stripeLogger) Debugf(format string, v ...interface{}) { l.log.Debug().Msgf(format, v...) }
func (l stripeLogger) Infof(format string, v ...interface{})  { l.log.Debug().Msgf(format, v...) }
func (l stripeLogger) Warnf(format string, v ...interface{})  { l.log.Warn().Msgf(format, v...) }
func (l stripeLogger) Errorf(format string, v ...interface{}) { l.log.Error().Msgf(format, v...) }
