package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/greelogix/kpay/gateway/models"
	"github.com/greelogix/kpay/internal/knetcrypto"
	"github.com/greelogix/kpay/internal/knetparams"
	"github.com/greelogix/kpay/internal/trackid"
)

// StatusListener receives every payment that was carried through a
// verified response. The payment passed in reflects the persisted state.
type StatusListener func(payment *models.Payment)

// Service implements the gateway protocol: building outbound payment
// requests, processing inbound callbacks, and the out-of-band refund and
// inquiry calls.
type Service struct {
	repo   *Repository
	cfg    *Config
	client *resty.Client
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []StatusListener
}

func NewService(repo *Repository, cfg *Config, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{
		repo:   repo,
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.RequestTimeout),
		logger: logger.With(slog.String("component", "gateway")),
	}
}

// Subscribe registers a listener for payment status updates.
func (s *Service) Subscribe(fn StatusListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(p *models.Payment) {
	s.mu.RLock()
	listeners := make([]StatusListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(p)
	}
}

// PaymentRequest is the merchant-side input for one payment attempt.
type PaymentRequest struct {
	Amount            decimal.Decimal
	Currency          string
	Language          string
	TrackID           string
	PaymentMethodCode string
	ResponseURL       string
	ErrorURL          string
	UDF1              string
	UDF2              string
	UDF3              string
	UDF4              string
	UDF5              string
}

// PaymentOrder is the result of a successful InitiatePayment: the URL the
// user is sent to, the encrypted payload embedded in it, and the persisted
// pending payment.
type PaymentOrder struct {
	Endpoint string          `json:"endpoint"`
	TranData string          `json:"trandata"`
	Payment  *models.Payment `json:"payment"`
}

// InitiatePayment validates the request and configuration, builds the
// encrypted gateway payload, persists the pending payment, and returns the
// callable endpoint. The pending record is committed before the caller can
// redirect the user, so any callback referencing the track id will find it.
func (s *Service) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentOrder, error) {
	if !s.cfg.TestMode {
		switch {
		case s.cfg.TranportalID == "":
			return nil, fmt.Errorf("tranportal id is required in production mode: %w", ErrConfiguration)
		case s.cfg.TranportalPassword == "":
			return nil, fmt.Errorf("tranportal password is required in production mode: %w", ErrConfiguration)
		case s.cfg.ResourceKey == "":
			return nil, fmt.Errorf("resource key is required in production mode: %w", ErrConfiguration)
		}
	}

	responseURL := req.ResponseURL
	if responseURL == "" {
		responseURL = s.cfg.ResponseURL
	}
	errorURL := req.ErrorURL
	if errorURL == "" {
		errorURL = s.cfg.ErrorURL
	}
	if err := validateCallbackURL("responseURL", responseURL); err != nil {
		return nil, err
	}
	if err := validateCallbackURL("errorURL", errorURL); err != nil {
		return nil, err
	}

	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", req.Amount)
	}

	tid := req.TrackID
	if tid == "" {
		var err error
		if tid, err = trackid.New(); err != nil {
			return nil, fmt.Errorf("generating track id: %w", err)
		}
	}
	if !trackid.Valid(tid) {
		return nil, fmt.Errorf("track id %q is invalid: %w", tid, ErrConfiguration)
	}

	currency := req.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	language := req.Language
	if language == "" {
		language = s.cfg.Language
	}

	udf1 := req.UDF1
	if req.PaymentMethodCode != "" {
		udf1 = req.PaymentMethodCode
	}

	params := knetparams.Request{
		TranportalID: s.cfg.TranportalID,
		Password:     s.cfg.TranportalPassword,
		Action:       "1", // purchase
		Language:     knetparams.NormalizeLanguage(language),
		Currency:     currency,
		Amount:       req.Amount.StringFixed(3),
		ResponseURL:  responseURL,
		ErrorURL:     errorURL,
		TrackID:      tid,
		UDF1:         udf1,
		UDF2:         req.UDF2,
		UDF3:         req.UDF3,
		UDF4:         req.UDF4,
		UDF5:         req.UDF5,
	}

	key := s.cfg.EffectiveResourceKey()
	if key == "" {
		return nil, fmt.Errorf("resource key is not configured: %w", ErrConfiguration)
	}

	if s.cfg.SignRequests {
		params.Hash = knetcrypto.Sign(knetparams.SigningString(params.Fields(), key))
	}

	plain := params.OrderedString()
	tranData, err := knetcrypto.Encrypt(plain, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("encrypting request payload: %w", err)
	}

	// trandata travels percent-encoded; the identifier and callback URLs
	// ride alongside in plaintext as the gateway requires.
	endpoint := s.cfg.Endpoint() +
		"?trandata=" + url.QueryEscape(tranData) +
		"&tranportalId=" + url.QueryEscape(s.cfg.TranportalID) +
		"&responseURL=" + url.QueryEscape(responseURL) +
		"&errorURL=" + url.QueryEscape(errorURL)

	payment, err := s.repo.CreateOrReusePending(ctx, &models.Payment{
		ID:            uuid.New().String(),
		TrackID:       tid,
		Amount:        req.Amount,
		Currency:      currency,
		PaymentMethod: req.PaymentMethodCode,
		Status:        models.PaymentStatusPending,
		UDF1:          udf1,
		UDF2:          req.UDF2,
		UDF3:          req.UDF3,
		UDF4:          req.UDF4,
		UDF5:          req.UDF5,
		ResponseURL:   responseURL,
		RequestData:   plain,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting pending payment: %w", err)
	}

	s.logger.Info("payment initiated",
		slog.String("track_id", tid),
		slog.String("amount", req.Amount.StringFixed(3)),
		slog.String("currency", currency))

	return &PaymentOrder{Endpoint: endpoint, TranData: tranData, Payment: payment}, nil
}

// NormalizeFields lower-cases inbound field names and keeps the first
// value of each, the canonical form the rest of the pipeline expects.
// Gateway versions differ on field-name casing.
func NormalizeFields(values url.Values) map[string]string {
	fields := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		fields[strings.ToLower(k)] = vs[0]
	}
	return fields
}

// IsProbe reports whether normalized fields carry none of the protocol's
// payment parameters, i.e. the message is a gateway connectivity check
// that should be acknowledged and otherwise ignored.
func IsProbe(fields map[string]string) bool {
	for _, k := range []string{"trackid", "paymentid", "result", "hash"} {
		if _, ok := fields[k]; ok {
			return false
		}
	}
	return true
}

// ProcessCallback verifies, classifies and persists one plaintext
// callback. Fields must already be normalized (NormalizeFields). On
// success the registered listeners are notified; on signature or field
// errors nothing is partially applied.
func (s *Service) ProcessCallback(ctx context.Context, fields map[string]string) (*models.Payment, error) {
	key := s.cfg.EffectiveResourceKey()
	if key == "" {
		return nil, fmt.Errorf("resource key is not configured: %w", ErrConfiguration)
	}

	received, ok := fields["hash"]
	if !ok || received == "" {
		return nil, fmt.Errorf("response carries no hash: %w", ErrInvalidSignature)
	}
	computed := knetcrypto.Sign(knetparams.SigningString(fields, key))
	if !knetcrypto.VerifyDigest(received, computed) {
		return nil, ErrInvalidSignature
	}

	tid := fields["trackid"]
	if tid == "" {
		return nil, fmt.Errorf("trackid: %w", ErrMissingField)
	}

	payment, err := s.repo.ApplyVerifiedResponse(ctx, tid, responseFields(fields))
	if err != nil {
		return nil, fmt.Errorf("applying response for track id %s: %w", tid, err)
	}

	s.logger.Info("payment response processed",
		slog.String("track_id", tid),
		slog.String("result", fields["result"]),
		slog.String("status", string(payment.Status)))

	s.notify(payment)
	return payment, nil
}

// ProcessEncryptedCallback handles the server-to-server channel: the raw
// POST body is decrypted with the resource key, processed like a plaintext
// callback, and the returned reply tells the gateway where to forward the
// end user — a REDIRECT instruction embedding the decrypted parameters,
// not a status body. A processing failure after successful decryption
// still yields the redirect; the gateway must be able to move the user on.
func (s *Service) ProcessEncryptedCallback(ctx context.Context, body []byte) (reply string, err error) {
	key := s.cfg.EffectiveResourceKey()
	if key == "" {
		return "", fmt.Errorf("resource key is not configured: %w", ErrConfiguration)
	}

	decrypted, err := knetcrypto.Decrypt(strings.TrimSpace(string(body)), []byte(key))
	if err != nil {
		return "", fmt.Errorf("decrypting callback: %w", err)
	}

	values, err := url.ParseQuery(decrypted)
	if err != nil {
		return "", fmt.Errorf("parsing decrypted callback: %w", err)
	}

	fields := NormalizeFields(values)
	payment, perr := s.ProcessCallback(ctx, fields)
	if perr != nil {
		// Log and carry on: the synchronous reply is owed to the gateway
		// regardless, and this channel may race the redirect callback.
		s.logger.Error("processing encrypted callback", "err", perr)
	}

	// Redirect to the URL the matched payment was initiated with; the
	// config value only covers payments this process cannot correlate.
	if payment == nil {
		if tid := fields["trackid"]; tid != "" {
			if p, err := s.repo.FindByTrackID(ctx, tid); err == nil {
				payment = p
			}
		}
	}
	target := s.cfg.ResponseURL
	if payment != nil && payment.ResponseURL != "" {
		target = payment.ResponseURL
	}

	return "REDIRECT=" + target + "?" + decrypted, nil
}

// RefundRequest identifies the original captured transaction and the
// amount to return.
type RefundRequest struct {
	TranID  string
	TrackID string
	Amount  decimal.Decimal
	UDF1    string
	UDF2    string
	UDF3    string
	UDF4    string
	UDF5    string
}

// Refund performs an out-of-band refund (action 2) against the gateway and
// returns the verified reply fields. Network failures surface unchanged so
// the caller can retry; they never alter payment state.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (map[string]string, error) {
	if req.TranID == "" {
		return nil, fmt.Errorf("transaction id is required for refund: %w", ErrMissingField)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("refund amount must be positive, got %s", req.Amount)
	}

	tid := req.TrackID
	if tid == "" {
		var err error
		if tid, err = trackid.New(); err != nil {
			return nil, fmt.Errorf("generating track id: %w", err)
		}
	}

	params := map[string]string{
		"id":       s.cfg.TranportalID,
		"password": s.cfg.TranportalPassword,
		"action":   "2", // refund
		"transid":  req.TranID,
		"trackid":  tid,
		"amt":      req.Amount.StringFixed(3),
	}
	setUDFs(params, req.UDF1, req.UDF2, req.UDF3, req.UDF4, req.UDF5)

	return s.postSigned(ctx, params)
}

// Inquire asks the gateway for the current state of a transaction
// (action 8) and, when a matching payment exists, re-applies the verified
// outcome to it. Meant for reconciling orders whose callback never landed.
func (s *Service) Inquire(ctx context.Context, tid string) (map[string]string, error) {
	if tid == "" {
		return nil, fmt.Errorf("track id is required for inquiry: %w", ErrMissingField)
	}

	params := map[string]string{
		"id":       s.cfg.TranportalID,
		"password": s.cfg.TranportalPassword,
		"action":   "8", // inquiry
		"trackid":  tid,
	}

	fields, err := s.postSigned(ctx, params)
	if err != nil {
		return nil, err
	}

	payment, err := s.repo.ApplyVerifiedResponse(ctx, tid, responseFields(fields))
	switch {
	case err == nil:
		s.notify(payment)
	case errors.Is(err, ErrNotFound):
		// Inquiry on a transaction this process never initiated; the
		// reply is still returned to the caller.
	default:
		return nil, fmt.Errorf("applying inquiry result for track id %s: %w", tid, err)
	}

	return fields, nil
}

// postSigned signs params, posts them as a form to the gateway, and
// returns the parsed, normalized, hash-verified reply.
func (s *Service) postSigned(ctx context.Context, params map[string]string) (map[string]string, error) {
	key := s.cfg.EffectiveResourceKey()
	if key == "" {
		return nil, fmt.Errorf("resource key is not configured: %w", ErrConfiguration)
	}
	params["hash"] = knetcrypto.Sign(knetparams.SigningString(params, key))

	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(params).
		Post(s.cfg.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("gateway call: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("gateway call returned HTTP %d", resp.StatusCode())
	}

	fields, err := parseGatewayReply(resp.String())
	if err != nil {
		return nil, fmt.Errorf("parsing gateway reply: %w", err)
	}

	received, ok := fields["hash"]
	if !ok || received == "" {
		return nil, fmt.Errorf("gateway reply carries no hash: %w", ErrInvalidSignature)
	}
	computed := knetcrypto.Sign(knetparams.SigningString(fields, key))
	if !knetcrypto.VerifyDigest(received, computed) {
		return nil, fmt.Errorf("gateway reply: %w", ErrInvalidSignature)
	}

	return fields, nil
}

func responseFields(fields map[string]string) models.ResponseFields {
	return models.ResponseFields{
		Status:           models.ClassifyResult(fields),
		GatewayPaymentID: fields["paymentid"],
		Result:           fields["result"],
		AuthCode:         fields["auth"],
		Ref:              fields["ref"],
		TranID:           fields["tranid"],
		PostDate:         fields["postdate"],
		UDF1:             fields["udf1"],
		UDF2:             fields["udf2"],
		UDF3:             fields["udf3"],
		UDF4:             fields["udf4"],
		UDF5:             fields["udf5"],
		Raw:              encodeFields(fields),
	}
}

func encodeFields(fields map[string]string) string {
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	return values.Encode()
}

func setUDFs(params map[string]string, udfs ...string) {
	for i, v := range udfs {
		if v != "" {
			params[fmt.Sprintf("udf%d", i+1)] = v
		}
	}
}

// validateCallbackURL enforces that a callback URL is an absolute http(s)
// URL the remote gateway can actually reach: loopback and link-local hosts
// are configuration errors, not warnings.
func validateCallbackURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required: %w", name, ErrConfiguration)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URL: %w", name, raw, ErrConfiguration)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL: %w", name, raw, ErrConfiguration)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%s %q has no host: %w", name, raw, ErrConfiguration)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%s %q points at loopback, unreachable from the gateway: %w", name, raw, ErrConfiguration)
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()) {
		return fmt.Errorf("%s %q points at a non-routable address, unreachable from the gateway: %w", name, raw, ErrConfiguration)
	}
	return nil
}

// PaymentMethods returns the methods offered on the given platform.
func (s *Service) PaymentMethods(platform string) []models.PaymentMethod {
	all := []models.PaymentMethod{
		{Code: "KNET", Name: "KNET Card", Platforms: []string{"web", "ios", "android"}},
		{Code: "VISA", Name: "Visa", Platforms: []string{"web", "ios", "android"}},
		{Code: "MASTERCARD", Name: "Mastercard", Platforms: []string{"web", "ios", "android"}},
	}
	if s.cfg.KFASTEnabled {
		all = append(all, models.PaymentMethod{Code: "KFAST", Name: "KFAST", Platforms: []string{"web", "ios", "android"}})
	}
	if s.cfg.ApplePayEnabled {
		all = append(all, models.PaymentMethod{Code: "APPLE_PAY", Name: "Apple Pay", Platforms: []string{"ios", "web"}})
	}

	if platform == "" {
		platform = "web"
	}
	methods := make([]models.PaymentMethod, 0, len(all))
	for _, m := range all {
		if m.SupportsPlatform(platform) {
			methods = append(methods, m)
		}
	}
	return methods
}

// FindByTrackID exposes the store lookup to the API layer.
func (s *Service) FindByTrackID(ctx context.Context, tid string) (*models.Payment, error) {
	return s.repo.FindByTrackID(ctx, tid)
}

// FindByTranID exposes the store lookup to the API layer.
func (s *Service) FindByTranID(ctx context.Context, tranID string) (*models.Payment, error) {
	return s.repo.FindByTranID(ctx, tranID)
}
