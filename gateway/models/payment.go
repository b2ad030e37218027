package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a payment attempt. A payment
// starts pending and moves exactly once to success or failed; neither
// transition is reversible.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Terminal reports whether the status is final.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailed
}

// Payment is one payment attempt, correlated with the gateway by TrackID.
// The gateway-assigned fields stay empty until a verified response is
// applied.
type Payment struct {
	ID            string          `json:"id"`
	TrackID       string          `json:"track_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Status        PaymentStatus   `json:"status"`

	// Fields echoed back by the gateway.
	GatewayPaymentID string `json:"payment_id,omitempty"`
	Result           string `json:"result,omitempty"`
	AuthCode         string `json:"auth,omitempty"`
	Ref              string `json:"ref,omitempty"`
	TranID           string `json:"tran_id,omitempty"`
	PostDate         string `json:"post_date,omitempty"`
	UDF1             string `json:"udf1,omitempty"`
	UDF2             string `json:"udf2,omitempty"`
	UDF3             string `json:"udf3,omitempty"`
	UDF4             string `json:"udf4,omitempty"`
	UDF5             string `json:"udf5,omitempty"`

	// ResponseURL is the merchant callback URL this attempt was initiated
	// with; the encrypted-channel redirect reply points back at it.
	ResponseURL string `json:"-"`

	// Raw captured payloads, kept opaque for audit and debugging.
	RequestData  string `json:"-"`
	ResponseData string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResponseFields is the verified, classified outcome of one inbound
// gateway message, ready to be applied to the stored payment.
type ResponseFields struct {
	Status           PaymentStatus
	GatewayPaymentID string
	Result           string
	AuthCode         string
	Ref              string
	TranID           string
	PostDate         string
	UDF1             string
	UDF2             string
	UDF3             string
	UDF4             string
	UDF5             string
	Raw              string
}

// ClassifyResult maps the gateway result field (plus the error side
// channel) to a payment status. Unrecognized results stay pending: an
// ambiguous message never resolves a payment.
func ClassifyResult(fields map[string]string) PaymentStatus {
	result := strings.ToUpper(strings.TrimSpace(fields["result"]))

	switch result {
	case "CAPTURED", "SUCCESS":
		return PaymentStatusSuccess
	case "NOT CAPTURED", "NOTCAPTURED", "FAILED", "CANCELLED", "CANCELED":
		return PaymentStatusFailed
	}

	if strings.TrimSpace(fields["error"]) != "" {
		return PaymentStatusFailed
	}

	return PaymentStatusPending
}

// PaymentMethod describes one selectable payment instrument.
type PaymentMethod struct {
	Code      string   `json:"code"`
	Name      string   `json:"name"`
	Platforms []string `json:"platforms"`
}

// SupportsPlatform reports whether the method is offered on platform
// (web, ios, android).
func (m PaymentMethod) SupportsPlatform(platform string) bool {
	p := strings.ToLower(platform)
	for _, candidate := range m.Platforms {
		if candidate == p {
			return true
		}
	}
	return false
}
