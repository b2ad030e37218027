package gateway_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/greelogix/kpay/gateway"
	"github.com/greelogix/kpay/gateway/models"
	"github.com/greelogix/kpay/internal/knetcrypto"
	"github.com/greelogix/kpay/internal/knetparams"
)

// The test-mode fallback resource key; exactly 16 bytes.
const testResourceKey = "TEST_KEY_16_BYTE"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func testConfig() *gateway.Config {
	cfg := gateway.DefaultConfig()
	cfg.TranportalID = "TP01"
	cfg.TranportalPassword = "tp-secret"
	cfg.ResponseURL = "https://shop.example/kpay/response"
	cfg.ErrorURL = "https://shop.example/kpay/response"
	return cfg
}

func newTestService(t *testing.T, cfg *gateway.Config) *gateway.Service {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	return gateway.NewService(gateway.NewRepository(), cfg, testLogger())
}

// signedCallback builds a plaintext callback field set with a valid hash,
// the way the gateway would.
func signedCallback(t *testing.T, fields map[string]string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["hash"] = knetcrypto.Sign(knetparams.SigningString(out, testResourceKey))
	return out
}

func initiate(t *testing.T, svc *gateway.Service, trackID string) *gateway.PaymentOrder {
	t.Helper()
	order, err := svc.InitiatePayment(context.Background(), gateway.PaymentRequest{
		Amount:   decimal.RequireFromString("10.500"),
		Currency: "414",
		TrackID:  trackID,
	})
	require.NoError(t, err)
	return order
}

func TestInitiatePayment(t *testing.T) {
	svc := newTestService(t, nil)

	order, err := svc.InitiatePayment(context.Background(), gateway.PaymentRequest{
		Amount:   decimal.RequireFromString("10.500"),
		Currency: "414",
	})
	require.NoError(t, err)

	p := order.Payment
	require.Equal(t, models.PaymentStatusPending, p.Status)
	require.Equal(t, "10.500", p.Amount.StringFixed(3))
	require.Equal(t, "414", p.Currency)
	require.NotEmpty(t, p.TrackID)
	require.LessOrEqual(t, len(p.TrackID), 40)

	// The endpoint carries a non-empty trandata that decrypts back to the
	// ordered parameter line.
	u, err := url.Parse(order.Endpoint)
	require.NoError(t, err)
	tranData := u.Query().Get("trandata")
	require.NotEmpty(t, tranData)
	require.Equal(t, "TP01", u.Query().Get("tranportalId"))

	plain, err := knetcrypto.Decrypt(tranData, []byte(testResourceKey))
	require.NoError(t, err)
	require.Contains(t, plain, "amt=10.500")
	require.Contains(t, plain, "trackid="+p.TrackID)
	require.Contains(t, plain, "currencycode=414")
	require.True(t, strings.HasPrefix(plain, "id=TP01&password=tp-secret&action=1&langid=USA"))
}

func TestInitiatePaymentSignedRequest(t *testing.T) {
	cfg := testConfig()
	cfg.SignRequests = true
	svc := newTestService(t, cfg)

	order := initiate(t, svc, "signed-track")

	u, _ := url.Parse(order.Endpoint)
	plain, err := knetcrypto.Decrypt(u.Query().Get("trandata"), []byte(testResourceKey))
	require.NoError(t, err)
	require.Contains(t, plain, "&hash=")

	// The embedded hash must verify against the same fields.
	values, err := url.ParseQuery(plain)
	require.NoError(t, err)
	fields := gateway.NormalizeFields(values)
	recomputed := knetcrypto.Sign(knetparams.SigningString(fields, testResourceKey))
	require.True(t, knetcrypto.VerifyDigest(fields["hash"], recomputed))
}

func TestInitiatePaymentRejectsLoopbackURLs(t *testing.T) {
	for _, bad := range []string{
		"http://localhost/callback",
		"http://127.0.0.1/callback",
		"http://[::1]/callback",
		"http://169.254.10.1/callback",
		"ftp://shop.example/callback",
		"/relative/callback",
		"",
	} {
		cfg := testConfig()
		cfg.ResponseURL = bad
		svc := newTestService(t, cfg)

		_, err := svc.InitiatePayment(context.Background(), gateway.PaymentRequest{
			Amount: decimal.RequireFromString("1.000"),
		})
		require.ErrorIs(t, err, gateway.ErrConfiguration, "responseURL %q must be rejected", bad)
	}
}

func TestInitiatePaymentProductionRequiresCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.TestMode = false
	cfg.ResourceKey = ""
	svc := newTestService(t, cfg)

	_, err := svc.InitiatePayment(context.Background(), gateway.PaymentRequest{
		Amount: decimal.RequireFromString("1.000"),
	})
	require.ErrorIs(t, err, gateway.ErrConfiguration)
}

func TestProcessCallbackCaptured(t *testing.T) {
	svc := newTestService(t, nil)
	order := initiate(t, svc, "cb-track")

	var notified *models.Payment
	svc.Subscribe(func(p *models.Payment) { notified = p })

	fields := signedCallback(t, map[string]string{
		"trackid":   order.Payment.TrackID,
		"result":    "CAPTURED",
		"paymentid": "100202512345",
		"tranid":    "202512345678",
		"auth":      "999999",
		"ref":       "526312345678",
		"postdate":  "0901",
	})

	p, err := svc.ProcessCallback(context.Background(), fields)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, p.Status)
	require.Equal(t, "202512345678", p.TranID)

	require.NotNil(t, notified)
	require.Equal(t, p.ID, notified.ID)

	// Second delivery of the same terminal response: same state, no error.
	again, err := svc.ProcessCallback(context.Background(), fields)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, again.Status)
}

func TestProcessCallbackClassification(t *testing.T) {
	cases := []struct {
		result string
		want   models.PaymentStatus
	}{
		{"CAPTURED", models.PaymentStatusSuccess},
		{"SUCCESS", models.PaymentStatusSuccess},
		{"NOT CAPTURED", models.PaymentStatusFailed},
		{"CANCELLED", models.PaymentStatusFailed},
		{"PROCESSING", models.PaymentStatusPending},
	}

	for i, tc := range cases {
		svc := newTestService(t, nil)
		tid := fmt.Sprintf("classify-%d", i)
		initiate(t, svc, tid)

		fields := signedCallback(t, map[string]string{
			"trackid": tid,
			"result":  tc.result,
		})
		p, err := svc.ProcessCallback(context.Background(), fields)
		require.NoError(t, err)
		require.Equal(t, tc.want, p.Status, "result %q", tc.result)
	}
}

func TestProcessCallbackErrorFieldFails(t *testing.T) {
	svc := newTestService(t, nil)
	initiate(t, svc, "err-track")

	fields := signedCallback(t, map[string]string{
		"trackid": "err-track",
		"error":   "IPAY0100263",
	})
	p, err := svc.ProcessCallback(context.Background(), fields)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusFailed, p.Status)
}

func TestProcessCallbackTamperedHash(t *testing.T) {
	svc := newTestService(t, nil)
	initiate(t, svc, "tamper-track")

	fields := signedCallback(t, map[string]string{
		"trackid": "tamper-track",
		"result":  "CAPTURED",
	})
	// A single changed byte in any signed field must break verification.
	fields["result"] = "CAPTUREE"

	_, err := svc.ProcessCallback(context.Background(), fields)
	require.ErrorIs(t, err, gateway.ErrInvalidSignature)

	// The payment is untouched.
	p, err := svc.FindByTrackID(context.Background(), "tamper-track")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, p.Status)
}

func TestProcessCallbackMissingHash(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.ProcessCallback(context.Background(), map[string]string{
		"trackid": "x", "result": "CAPTURED",
	})
	require.ErrorIs(t, err, gateway.ErrInvalidSignature)
}

func TestProcessCallbackMissingTrackID(t *testing.T) {
	svc := newTestService(t, nil)

	fields := signedCallback(t, map[string]string{"result": "CAPTURED"})
	_, err := svc.ProcessCallback(context.Background(), fields)
	require.ErrorIs(t, err, gateway.ErrMissingField)
}

func TestProcessCallbackUnknownTrackID(t *testing.T) {
	svc := newTestService(t, nil)

	fields := signedCallback(t, map[string]string{
		"trackid": "never-initiated",
		"result":  "CAPTURED",
	})
	_, err := svc.ProcessCallback(context.Background(), fields)
	require.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestProcessCallbackMixedCaseKeys(t *testing.T) {
	svc := newTestService(t, nil)
	initiate(t, svc, "case-track")

	// Older gateway versions send camel-cased names; normalization happens
	// before anything else.
	values := url.Values{}
	values.Set("TrackID", "case-track")
	values.Set("Result", "CAPTURED")
	fields := gateway.NormalizeFields(values)
	fields["hash"] = knetcrypto.Sign(knetparams.SigningString(fields, testResourceKey))

	p, err := svc.ProcessCallback(context.Background(), fields)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, p.Status)
}

func TestProcessEncryptedCallback(t *testing.T) {
	svc := newTestService(t, nil)
	order := initiate(t, svc, "enc-track")

	fields := signedCallback(t, map[string]string{
		"trackid": order.Payment.TrackID,
		"result":  "CAPTURED",
		"tranid":  "202598765432",
	})
	query := url.Values{}
	for k, v := range fields {
		query.Set(k, v)
	}
	plaintext := query.Encode()

	body, err := knetcrypto.Encrypt(plaintext, []byte(testResourceKey))
	require.NoError(t, err)

	reply, err := svc.ProcessEncryptedCallback(context.Background(), []byte(body))
	require.NoError(t, err)
	require.Equal(t, "REDIRECT=https://shop.example/kpay/response?"+plaintext, reply)

	p, err := svc.FindByTrackID(context.Background(), "enc-track")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, p.Status)
}

func TestProcessEncryptedCallbackUsesPaymentResponseURL(t *testing.T) {
	// No deployment-wide response URL; the merchant supplied one per
	// request, and the redirect reply must point back at it.
	cfg := testConfig()
	cfg.ResponseURL = ""
	cfg.ErrorURL = ""
	svc := newTestService(t, cfg)

	_, err := svc.InitiatePayment(context.Background(), gateway.PaymentRequest{
		Amount:      decimal.RequireFromString("10.500"),
		TrackID:     "per-req-track",
		ResponseURL: "https://merchant.example/callback",
		ErrorURL:    "https://merchant.example/callback",
	})
	require.NoError(t, err)

	fields := signedCallback(t, map[string]string{
		"trackid": "per-req-track",
		"result":  "CAPTURED",
	})
	query := url.Values{}
	for k, v := range fields {
		query.Set(k, v)
	}
	plaintext := query.Encode()

	body, err := knetcrypto.Encrypt(plaintext, []byte(testResourceKey))
	require.NoError(t, err)

	reply, err := svc.ProcessEncryptedCallback(context.Background(), []byte(body))
	require.NoError(t, err)
	require.Equal(t, "REDIRECT=https://merchant.example/callback?"+plaintext, reply)
}

func TestProcessEncryptedCallbackGarbage(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.ProcessEncryptedCallback(context.Background(), []byte("not-even-hex"))
	require.ErrorIs(t, err, knetcrypto.ErrCrypto)
}

func TestProcessEncryptedCallbackNoResourceKey(t *testing.T) {
	cfg := testConfig()
	cfg.TestMode = false
	cfg.ResourceKey = ""
	svc := newTestService(t, cfg)

	_, err := svc.ProcessEncryptedCallback(context.Background(), []byte("00"))
	require.ErrorIs(t, err, gateway.ErrConfiguration)
}

// fakeGateway answers refund/inquiry posts the way the real endpoint does:
// a form-encoded line whose hash is computed with the shared key.
func fakeGateway(t *testing.T, reply func(form url.Values) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, reply(r.PostForm))
	}))
}

func signedReply(t *testing.T, fields map[string]string) string {
	t.Helper()
	signed := signedCallback(t, fields)
	values := url.Values{}
	for k, v := range signed {
		values.Set(k, v)
	}
	return values.Encode()
}

func TestRefund(t *testing.T) {
	srv := fakeGateway(t, func(form url.Values) string {
		// Echo the request back so the test can assert what was sent.
		return signedReply(t, map[string]string{
			"result":  "CAPTURED",
			"action":  form.Get("action"),
			"tranid":  form.Get("transid"),
			"trackid": form.Get("trackid"),
			"amt":     form.Get("amt"),
		})
	})
	defer srv.Close()

	cfg := testConfig()
	cfg.BaseURL = srv.URL
	svc := newTestService(t, cfg)

	fields, err := svc.Refund(context.Background(), gateway.RefundRequest{
		TranID: "202512345678",
		Amount: decimal.RequireFromString("5.250"),
	})
	require.NoError(t, err)
	require.Equal(t, "2", fields["action"])
	require.Equal(t, "202512345678", fields["tranid"])
	require.Equal(t, "CAPTURED", fields["result"])
	require.Equal(t, "5.250", fields["amt"])
	require.NotEmpty(t, fields["trackid"])
}

func TestRefundRequiresTranID(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Refund(context.Background(), gateway.RefundRequest{
		Amount: decimal.RequireFromString("5.000"),
	})
	require.ErrorIs(t, err, gateway.ErrMissingField)
}

func TestRefundRejectsTamperedReply(t *testing.T) {
	srv := fakeGateway(t, func(form url.Values) string {
		body := signedReply(t, map[string]string{
			"result": "CAPTURED",
			"tranid": form.Get("transid"),
		})
		// Corrupt one signed value on the wire.
		return strings.Replace(body, "CAPTURED", "NOTCAPTURED", 1)
	})
	defer srv.Close()

	cfg := testConfig()
	cfg.BaseURL = srv.URL
	svc := newTestService(t, cfg)

	_, err := svc.Refund(context.Background(), gateway.RefundRequest{
		TranID: "202512345678",
		Amount: decimal.RequireFromString("5.250"),
	})
	require.ErrorIs(t, err, gateway.ErrInvalidSignature)
}

func TestInquireUpdatesPayment(t *testing.T) {
	srv := fakeGateway(t, func(form url.Values) string {
		return signedReply(t, map[string]string{
			"trackid":   form.Get("trackid"),
			"result":    "CAPTURED",
			"tranid":    "202511112222",
			"paymentid": "100202511112",
		})
	})
	defer srv.Close()

	cfg := testConfig()
	cfg.BaseURL = srv.URL
	svc := newTestService(t, cfg)
	initiate(t, svc, "inq-track")

	fields, err := svc.Inquire(context.Background(), "inq-track")
	require.NoError(t, err)
	require.Equal(t, "CAPTURED", fields["result"])

	p, err := svc.FindByTrackID(context.Background(), "inq-track")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, p.Status)
	require.Equal(t, "202511112222", p.TranID)
}

func TestInquireUnknownPaymentStillReturnsReply(t *testing.T) {
	srv := fakeGateway(t, func(form url.Values) string {
		return signedReply(t, map[string]string{
			"trackid": form.Get("trackid"),
			"result":  "NOT CAPTURED",
		})
	})
	defer srv.Close()

	cfg := testConfig()
	cfg.BaseURL = srv.URL
	svc := newTestService(t, cfg)

	fields, err := svc.Inquire(context.Background(), "foreign-track")
	require.NoError(t, err)
	require.Equal(t, "NOT CAPTURED", fields["result"])
}

func TestPaymentMethods(t *testing.T) {
	cfg := testConfig()
	cfg.ApplePayEnabled = true
	svc := newTestService(t, cfg)

	web := svc.PaymentMethods("web")
	codes := make([]string, 0, len(web))
	for _, m := range web {
		codes = append(codes, m.Code)
	}
	require.Contains(t, codes, "KNET")
	require.Contains(t, codes, "APPLE_PAY")
	require.NotContains(t, codes, "KFAST")

	android := svc.PaymentMethods("android")
	for _, m := range android {
		require.NotEqual(t, "APPLE_PAY", m.Code)
	}
}
