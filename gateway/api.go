package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

// API is the HTTP surface of the gateway service: payment initiation,
// the callback endpoint the gateway posts back to, refund/inquiry, and
// lookups.
type API struct {
	svc    *Service
	logger *slog.Logger
}

func NewAPI(svc *Service, logger *slog.Logger) *API {
	return &API{
		svc:    svc,
		logger: logger.With(slog.String("component", "api")),
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", a.initiatePayment)
		r.Post("/refund", a.refund)
		r.Get("/{trackID}", a.getPayment)
		r.Post("/{trackID}/inquiry", a.inquire)
	})
	r.Get("/methods", a.listMethods)

	// The gateway calls back here, on both its channels.
	r.Get("/kpay/response", a.handleCallback)
	r.Post("/kpay/response", a.handleCallback)
}

type initiateRequest struct {
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Language      string `json:"language"`
	TrackID       string `json:"track_id"`
	PaymentMethod string `json:"payment_method"`
	ResponseURL   string `json:"response_url"`
	ErrorURL      string `json:"error_url"`
	UDF1          string `json:"udf1"`
	UDF2          string `json:"udf2"`
	UDF3          string `json:"udf3"`
	UDF4          string `json:"udf4"`
	UDF5          string `json:"udf5"`
}

func (a *API) initiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	order, err := a.svc.InitiatePayment(r.Context(), PaymentRequest{
		Amount:            amount,
		Currency:          req.Currency,
		Language:          req.Language,
		TrackID:           req.TrackID,
		PaymentMethodCode: req.PaymentMethod,
		ResponseURL:       req.ResponseURL,
		ErrorURL:          req.ErrorURL,
		UDF1:              req.UDF1,
		UDF2:              req.UDF2,
		UDF3:              req.UDF3,
		UDF4:              req.UDF4,
		UDF5:              req.UDF5,
	})
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// handleCallback serves both gateway channels. A POST carrying an opaque
// body is the encrypted server-to-server callback and is answered with the
// REDIRECT instruction; recognizable form/query fields are the plaintext
// redirect callback; anything else is a connectivity probe.
func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	var rawBody []byte
	if r.Method == http.MethodPost {
		var err error
		rawBody, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		if parsed, err := url.ParseQuery(string(rawBody)); err == nil {
			for k, vs := range parsed {
				for _, v := range vs {
					values.Add(k, v)
				}
			}
		}
	}

	fields := NormalizeFields(values)

	if IsProbe(fields) {
		if len(strings.TrimSpace(string(rawBody))) > 0 {
			a.handleEncryptedCallback(w, r, rawBody)
			return
		}
		// Gateway connectivity check: acknowledge, nothing to process.
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("OK"))
		return
	}

	payment, err := a.svc.ProcessCallback(r.Context(), fields)
	if err != nil {
		a.logger.Error("processing callback", "err", err)
		switch {
		case errors.Is(err, ErrNotFound):
			http.Error(w, "unknown transaction", http.StatusNotFound)
		case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrMissingField):
			// Deliberately generic: no hints for a tampering caller.
			http.Error(w, "invalid payment response", http.StatusBadRequest)
		default:
			http.Error(w, "processing failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payment)
}

func (a *API) handleEncryptedCallback(w http.ResponseWriter, r *http.Request, body []byte) {
	reply, err := a.svc.ProcessEncryptedCallback(r.Context(), body)
	if err != nil {
		// Per the side-channel contract the gateway gets a benign empty
		// acknowledgment; the diagnostic stays in our logs.
		a.logger.Error("processing encrypted callback", "err", err)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(reply))
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request) {
	tid := chi.URLParam(r, "trackID")

	payment, err := a.svc.FindByTrackID(r.Context(), tid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payment)
}

type refundRequest struct {
	TranID  string `json:"tran_id"`
	TrackID string `json:"track_id"`
	Amount  string `json:"amount"`
}

func (a *API) refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	fields, err := a.svc.Refund(r.Context(), RefundRequest{
		TranID:  req.TranID,
		TrackID: req.TrackID,
		Amount:  amount,
	})
	if err != nil {
		a.logger.Error("refund", "err", err, slog.String("tran_id", req.TranID))
		switch {
		case errors.Is(err, ErrMissingField):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrConfiguration):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, "refund failed", http.StatusBadGateway)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fields)
}

func (a *API) inquire(w http.ResponseWriter, r *http.Request) {
	tid := chi.URLParam(r, "trackID")

	fields, err := a.svc.Inquire(r.Context(), tid)
	if err != nil {
		a.logger.Error("inquiry", "err", err, slog.String("track_id", tid))
		switch {
		case errors.Is(err, ErrConfiguration):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, "inquiry failed", http.StatusBadGateway)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fields)
}

func (a *API) listMethods(w http.ResponseWriter, r *http.Request) {
	methods := a.svc.PaymentMethods(r.URL.Query().Get("platform"))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(methods)
}
