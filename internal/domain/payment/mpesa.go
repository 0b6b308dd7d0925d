package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hospital/backoffice/internal/platform/apperr"
	"github.com/hospital/backoffice/internal/platform/clock"
)

const (
	mpesaTokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	mpesaPushPath  = "/mpesa/stkpush/v1/processrequest"
	mpesaQueryPath = "/mpesa/stkpushquery/v1/query"

	mpesaTimestampLayout = "20060102150405"
	// mpesaStillProcessing is the query error code returned while the payer
	// has not answered the prompt.
	mpesaStillProcessing = "500.001.1001"
)

// mpesaZone is the zone the push API expects request timestamps in.
var mpesaZone = time.FixedZone("EAT", 3*60*60)

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// MpesaGateway is the live mobile-money push channel (Daraja STK push).
type MpesaGateway struct {
	cfg    MpesaConfig
	http   *http.Client
	clock  clock.Clock
	logger zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewMpesaGateway(cfg MpesaConfig, clk clock.Clock, logger zerolog.Logger) *MpesaGateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MpesaGateway{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		clock:  clk,
		logger: logger.With().Str("component", "mpesa").Logger(),
	}
}

func (g *MpesaGateway) Method() string { return MethodMpesa }

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode      string     `json:"ResponseCode"`
	CheckoutRequestID string     `json:"CheckoutRequestID"`
	ResultCode        resultCode `json:"ResultCode"`
	ResultDesc        string     `json:"ResultDesc"`
}

type mpesaErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// resultCode accepts the provider's result code as a JSON number or string.
type resultCode string

func (r *resultCode) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*r = resultCode(s)
	return nil
}

func (g *MpesaGateway) InitiatePush(ctx context.Context, req PushRequest) (*Push, error) {
	if !req.Amount.IsInteger() {
		return nil, apperr.ValidationFields(map[string]string{"amount": "must be a whole amount for mobile money"})
	}
	ts, password := g.credentials()
	body := stkPushRequest{
		BusinessShortCode: g.cfg.Shortcode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.IntPart(),
		PartyA:            req.Destination,
		PartyB:            g.cfg.Shortcode,
		PhoneNumber:       req.Destination,
		CallBackURL:       g.cfg.CallbackURL,
		AccountReference:  req.InvoiceNumber,
		TransactionDesc:   "Payment for " + req.InvoiceNumber,
	}

	var resp stkPushResponse
	raw, status, err := g.post(ctx, mpesaPushPath, body, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, apperr.Gateway(nil, "mobile money push rejected: %s", describe(raw, resp.ResponseDescription))
	}
	return &Push{
		Reference:      resp.CheckoutRequestID,
		CustomerPrompt: resp.CustomerMessage,
		Raw:            raw,
	}, nil
}

func (g *MpesaGateway) QueryStatus(ctx context.Context, reference string) (GatewayResult, error) {
	ts, password := g.credentials()
	body := stkQueryRequest{
		BusinessShortCode: g.cfg.Shortcode,
		Password:          password,
		Timestamp:         ts,
		CheckoutRequestID: reference,
	}

	var resp stkQueryResponse
	raw, status, err := g.post(ctx, mpesaQueryPath, body, &resp)
	if err != nil {
		return GatewayResult{}, err
	}
	if status != http.StatusOK {
		var e mpesaErrorResponse
		_ = json.Unmarshal(raw, &e)
		if e.ErrorCode == mpesaStillProcessing {
			return GatewayResult{Result: ResultPending, Raw: raw}, nil
		}
		return GatewayResult{}, apperr.Gateway(nil, "mobile money status query failed: %s", describe(raw, e.ErrorMessage))
	}
	return GatewayResult{Result: pushResult(string(resp.ResultCode)), Raw: raw}, nil
}

// pushResult maps a provider result code. "0" is success; every other code
// (cancelled, insufficient funds, timed out on the handset) is final.
func pushResult(code string) Result {
	switch code {
	case "0":
		return ResultSuccess
	case "":
		return ResultPending
	default:
		return ResultFailed
	}
}

// credentials returns the request timestamp and the matching password.
func (g *MpesaGateway) credentials() (string, string) {
	ts := g.clock.Now().In(mpesaZone).Format(mpesaTimestampLayout)
	pw := base64.StdEncoding.EncodeToString([]byte(g.cfg.Shortcode + g.cfg.Passkey + ts))
	return ts, pw
}

func (g *MpesaGateway) post(ctx context.Context, path string, body, dst any) (json.RawMessage, int, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, 0, err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	raw, status, err := g.do(req)
	if err != nil {
		return nil, 0, err
	}
	if status == http.StatusOK && dst != nil {
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, 0, apperr.Gateway(err, "mobile money returned an unreadable response")
		}
	}
	return raw, status, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns a cached OAuth token, fetching a new one shortly
// before the old one lapses.
func (g *MpesaGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if g.token != "" && now.Before(g.tokenExpiry) {
		return g.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+mpesaTokenPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(g.cfg.ConsumerKey, g.cfg.ConsumerSecret)
	raw, status, err := g.do(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", apperr.Gateway(nil, "mobile money authentication failed with status %d", status)
	}
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil || tr.AccessToken == "" {
		return "", apperr.Gateway(err, "mobile money returned no access token")
	}
	ttl, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	g.token = tr.AccessToken
	g.tokenExpiry = now.Add(time.Duration(ttl)*time.Second - time.Minute)
	return g.token, nil
}

// do sends req. Transport timeouts are returned as-is so callers can keep the
// transaction pending; other transport failures are gateway errors.
func (g *MpesaGateway) do(req *http.Request) (json.RawMessage, int, error) {
	resp, err := g.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, 0, fmt.Errorf("mobile money %s: %w", req.URL.Path, err)
		}
		return nil, 0, apperr.Gateway(err, "mobile money unreachable")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(err) {
			return nil, 0, fmt.Errorf("mobile money %s: %w", req.URL.Path, err)
		}
		return nil, 0, apperr.Gateway(err, "read mobile money response")
	}
	if resp.StatusCode != http.StatusOK {
		g.logger.Debug().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("mobile money non-200 response")
	}
	if len(raw) == 0 || !json.Valid(raw) {
		raw = mustJSON(map[string]any{"status": resp.StatusCode, "body": string(raw)})
	}
	return raw, resp.StatusCode, nil
}

func describe(raw json.RawMessage, msg string) string {
	if msg != "" {
		return msg
	}
	if len(raw) > 200 {
		return string(raw[:200])
	}
	return string(raw)
}

// Callback is the push provider's asynchronous result notification.
type Callback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        resultCode      `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  json.RawMessage `json:"CallbackMetadata,omitempty"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback extracts the reference and verdict from a callback body.
func ParseCallback(raw []byte) (string, GatewayResult, error) {
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return "", GatewayResult{}, apperr.Validation("malformed callback body")
	}
	ref := strings.TrimSpace(cb.Body.StkCallback.CheckoutRequestID)
	if ref == "" {
		return "", GatewayResult{}, apperr.ValidationFields(map[string]string{"CheckoutRequestID": "is required"})
	}
	code := string(cb.Body.StkCallback.ResultCode)
	if code == "" {
		return "", GatewayResult{}, apperr.ValidationFields(map[string]string{"ResultCode": "is required"})
	}
	return ref, GatewayResult{Result: pushResult(code), Raw: json.RawMessage(raw)}, nil
}

// callbackPayer reads the amount and paying phone number a successful
// callback carries in its metadata items. Values arrive as numbers or strings.
func callbackPayer(raw []byte) (decimal.Decimal, string, bool) {
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return decimal.Zero, "", false
	}
	var meta struct {
		Item []struct {
			Name  string          `json:"Name"`
			Value json.RawMessage `json:"Value"`
		} `json:"Item"`
	}
	if len(cb.Body.StkCallback.CallbackMetadata) == 0 ||
		json.Unmarshal(cb.Body.StkCallback.CallbackMetadata, &meta) != nil {
		return decimal.Zero, "", false
	}

	var (
		amount decimal.Decimal
		phone  string
		found  int
	)
	for _, it := range meta.Item {
		v := strings.Trim(strings.TrimSpace(string(it.Value)), `"`)
		switch it.Name {
		case "Amount":
			d, err := decimal.NewFromString(v)
			if err != nil {
				return decimal.Zero, "", false
			}
			amount = d
			found++
		case "PhoneNumber":
			phone = v
			found++
		}
	}
	return amount, phone, found == 2 && phone != ""
}

// CallbackAck is the reply the provider expects for an accepted callback.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}
