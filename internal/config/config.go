package config

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	PaymentModeSandbox = "sandbox"
	PaymentModeLive    = "live"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE"`

	PaymentMode           string `mapstructure:"PAYMENT_MODE"`
	Currency              string `mapstructure:"CURRENCY"`
	PhoneCountryCode      string `mapstructure:"PHONE_COUNTRY_CODE"`
	PhoneSubscriberDigits int    `mapstructure:"PHONE_SUBSCRIBER_DIGITS"`

	StripeSecretKey string `mapstructure:"STRIPE_SECRET_KEY"`

	MpesaBaseURL        string `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey    string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode      string `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey        string `mapstructure:"MPESA_PASSKEY"`
	MpesaCallbackURL    string `mapstructure:"MPESA_CALLBACK_URL"`

	CallbackSigningSecret string `mapstructure:"CALLBACK_SIGNING_SECRET"`

	GatewayTimeout      time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	PushPaymentTTL      time.Duration `mapstructure:"PUSH_PAYMENT_TTL"`
	ExpirySweepInterval time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// VisitStageVisibility is "Role=stage" pairs separated by commas. Parsed
	// into StageVisibility by Load.
	VisitStageVisibility string `mapstructure:"VISIT_STAGE_VISIBILITY"`

	StageVisibility map[string]string `mapstructure:"-"`
}

const defaultVisibility = "Nurse=triage,Doctor=doctor,Lab Tech=lab,Pharmacist=pharmacy,Billing=billing"

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SIGNING_KEY", "JWT_ISSUER", "JWT_AUDIENCE",
	"PAYMENT_MODE", "CURRENCY", "PHONE_COUNTRY_CODE", "PHONE_SUBSCRIBER_DIGITS",
	"STRIPE_SECRET_KEY",
	"MPESA_BASE_URL", "MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET",
	"MPESA_SHORTCODE", "MPESA_PASSKEY", "MPESA_CALLBACK_URL",
	"CALLBACK_SIGNING_SECRET",
	"GATEWAY_TIMEOUT", "PUSH_PAYMENT_TTL", "EXPIRY_SWEEP_INTERVAL", "REQUEST_TIMEOUT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"VISIT_STAGE_VISIBILITY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("JWT_ISSUER", "backoffice")
	v.SetDefault("PAYMENT_MODE", PaymentModeSandbox)
	v.SetDefault("CURRENCY", "KES")
	v.SetDefault("PHONE_COUNTRY_CODE", "254")
	v.SetDefault("PHONE_SUBSCRIBER_DIGITS", 9)
	v.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	v.SetDefault("GATEWAY_TIMEOUT", "15s")
	v.SetDefault("PUSH_PAYMENT_TTL", "5m")
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("VISIT_STAGE_VISIBILITY", defaultVisibility)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	vis, err := ParseVisibility(cfg.VisitStageVisibility)
	if err != nil {
		return nil, err
	}
	cfg.StageVisibility = vis

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token are treated as Admin.")
	}
	if cfg.PaymentMode == PaymentModeSandbox {
		log.Println("WARNING: PAYMENT_MODE=sandbox, gateway responses are simulated.")
	}

	return cfg, nil
}

// ParseVisibility parses "Role=stage,Role=stage" into a role->stage table.
func ParseVisibility(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		role, stage, ok := strings.Cut(pair, "=")
		role, stage = strings.TrimSpace(role), strings.TrimSpace(stage)
		if !ok || role == "" || stage == "" {
			return nil, fmt.Errorf("VISIT_STAGE_VISIBILITY: malformed entry %q, want Role=stage", pair)
		}
		if _, dup := out[role]; dup {
			return nil, fmt.Errorf("VISIT_STAGE_VISIBILITY: role %q listed twice", role)
		}
		out[role] = stage
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("VISIT_STAGE_VISIBILITY must map at least one role")
	}
	return out, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// IsLivePayments reports whether real gateway adapters should be wired.
func (c *Config) IsLivePayments() bool {
	return c.PaymentMode == PaymentModeLive
}

// Validate checks that the configuration is safe to run. Live payment mode
// needs credentials for both channels, and production needs a JWT signing key.
func (c *Config) Validate() error {
	switch c.PaymentMode {
	case PaymentModeSandbox:
	case PaymentModeLive:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_MODE is \"live\"")
		}
		missing := []string{}
		for name, val := range map[string]string{
			"MPESA_CONSUMER_KEY":    c.MpesaConsumerKey,
			"MPESA_CONSUMER_SECRET": c.MpesaConsumerSecret,
			"MPESA_SHORTCODE":       c.MpesaShortcode,
			"MPESA_PASSKEY":         c.MpesaPasskey,
			"MPESA_CALLBACK_URL":    c.MpesaCallbackURL,
		} {
			if val == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("PAYMENT_MODE is \"live\" but %s not set", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("PAYMENT_MODE must be \"sandbox\" or \"live\", got %q", c.PaymentMode)
	}

	if c.IsProduction() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required in production")
	}

	for name, d := range map[string]time.Duration{
		"GATEWAY_TIMEOUT":       c.GatewayTimeout,
		"PUSH_PAYMENT_TTL":      c.PushPaymentTTL,
		"EXPIRY_SWEEP_INTERVAL": c.ExpirySweepInterval,
		"REQUEST_TIMEOUT":       c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.PhoneCountryCode == "" || strings.Trim(c.PhoneCountryCode, "0123456789") != "" {
		return fmt.Errorf("PHONE_COUNTRY_CODE must be digits, got %q", c.PhoneCountryCode)
	}
	if c.PhoneSubscriberDigits <= 0 {
		return fmt.Errorf("PHONE_SUBSCRIBER_DIGITS must be positive, got %d", c.PhoneSubscriberDigits)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter code, got %q", c.Currency)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if len(c.StageVisibility) == 0 {
		return fmt.Errorf("VISIT_STAGE_VISIBILITY must map at least one role")
	}

	return nil
}
