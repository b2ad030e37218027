package gateway

import "time"

// Gateway endpoints resolved from TestMode when no explicit BaseURL is
// configured.
const (
	testEndpoint       = "https://kpaytest.com.kw/kpg/PaymentHTTP.htm"
	productionEndpoint = "https://www.kpay.com.kw/kpg/PaymentHTTP.htm"
)

// testResourceKey is used in test mode when no resource key is configured;
// the gateway sandbox does not validate it. Exactly 16 bytes.
const testResourceKey = "TEST_KEY_16_BYTE"

// Config is the signing context for one gateway deployment: merchant
// credentials, callback URLs and protocol defaults. It is read-only after
// construction and injected into each component, so several gateway
// configurations can coexist in one process.
type Config struct {
	HTTPAddr string

	// Credentials issued by the acquiring bank. All three are required
	// in production mode.
	TranportalID       string
	TranportalPassword string
	ResourceKey        string

	// BaseURL overrides the endpoint derived from TestMode.
	BaseURL  string
	TestMode bool

	// Callback URLs the gateway calls back on. Must be absolute and
	// reachable from outside; loopback addresses are rejected.
	ResponseURL string
	ErrorURL    string

	// Protocol defaults.
	Currency string // 3-digit numeric ISO 4217, e.g. 414 for KWD
	Language string

	// SignRequests controls whether the outbound encrypted payload
	// carries a trailing hash field. Deployment-dependent.
	SignRequests bool

	// Payment method toggles.
	KFASTEnabled    bool
	ApplePayEnabled bool

	// RequestTimeout bounds outbound refund/inquiry calls.
	RequestTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:       "localhost:9080",
		TestMode:       true,
		Currency:       "414",
		Language:       "EN",
		RequestTimeout: 30 * time.Second,
	}
}

// Endpoint returns the gateway URL requests are sent to.
func (c *Config) Endpoint() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.TestMode {
		return testEndpoint
	}
	return productionEndpoint
}

// EffectiveResourceKey returns the configured resource key, falling back
// to the sandbox key in test mode. Empty in production when unconfigured.
func (c *Config) EffectiveResourceKey() string {
	if c.ResourceKey == "" && c.TestMode {
		return testResourceKey
	}
	return c.ResourceKey
}
