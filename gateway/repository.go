package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/greelogix/kpay/gateway/models"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var ErrNotFound = fmt.Errorf("not found")

// Repository stores payment records. Backed by Postgres when constructed
// with NewPGRepository, by process memory otherwise (tests).
//
// The pg backend expects this schema to exist:
//
//	create table kpay.payments (
//	    payment_uid    uuid primary key,
//	    track_id       text not null,
//	    amount         numeric(12,3) not null,
//	    currency       text not null,
//	    payment_method text not null default '',
//	    status         text not null,
//	    gw_payment_id  text not null default '',
//	    result         text not null default '',
//	    auth_code      text not null default '',
//	    ref            text not null default '',
//	    tran_id        text not null default '',
//	    post_date      text not null default '',
//	    udf1 text not null default '', udf2 text not null default '',
//	    udf3 text not null default '', udf4 text not null default '',
//	    udf5 text not null default '',
//	    response_url   text not null default '',
//	    request_data   text not null default '',
//	    response_data  text not null default '',
//	    created_at     timestamptz not null default now(),
//	    updated_at     timestamptz not null default now()
//	);
//	create unique index uq_payments_pending_track
//	    on kpay.payments(track_id) where status = 'pending';
//
// The partial unique index is what serializes concurrent creates for the
// same track id; there is no application-level lock.
type Repository struct {
	mu       sync.Mutex
	payments []*models.Payment

	db *sql.DB
}

func NewRepository() *Repository {
	return &Repository{payments: make([]*models.Payment, 0)}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateOrReusePending inserts a new pending payment, or, when a pending
// payment with the same track id already exists, refreshes its request
// snapshot and returns it. A payment arriving without an ID is assigned
// one. Safe under concurrent callers racing on one
// track id: the insert goes first and the pending-track uniqueness
// constraint resolves the race.
func (r *Repository) CreateOrReusePending(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		for _, existing := range r.payments {
			if existing.TrackID == p.TrackID && existing.Status == models.PaymentStatusPending {
				existing.RequestData = p.RequestData
				existing.PaymentMethod = p.PaymentMethod
				existing.ResponseURL = p.ResponseURL
				existing.UpdatedAt = time.Now()
				return existing, nil
			}
		}

		now := time.Now()
		p.Status = models.PaymentStatusPending
		p.CreatedAt = now
		p.UpdatedAt = now
		r.payments = append(r.payments, p)
		return p, nil
	}

	// Insert-first: two racers both attempt the insert, the loser sees no
	// returned row and reuses the winner's record. The retry covers the
	// window where the winning transaction aborts after the conflict.
	for attempt := 0; attempt < 3; attempt++ {
		payment, err := r.createOrReusePendingTx(ctx, p)
		if err != nil {
			return nil, err
		}
		if payment != nil {
			return payment, nil
		}
	}
	return nil, fmt.Errorf("could not create or reuse pending payment for track id %s", p.TrackID)
}

func (r *Repository) createOrReusePendingTx(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	var insertedID string
	row := r.db.QueryRowContext(ctx, `
	    insert into kpay.payments(payment_uid, track_id, amount, currency, payment_method, status,
	                              udf1, udf2, udf3, udf4, udf5, response_url, request_data)
	    values ($1,$2,$3,$4,$5,'pending',$6,$7,$8,$9,$10,$11,$12)
	    on conflict (track_id) where status = 'pending' do nothing
	    returning payment_uid
	`, p.ID, p.TrackID, p.Amount.StringFixed(3), p.Currency, p.PaymentMethod,
		p.UDF1, p.UDF2, p.UDF3, p.UDF4, p.UDF5, p.ResponseURL, p.RequestData)

	err := row.Scan(&insertedID)
	switch {
	case err == nil:
		now := time.Now()
		p.Status = models.PaymentStatusPending
		p.CreatedAt = now
		p.UpdatedAt = now
		return p, nil
	case errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err):
		// Fall through to reusing the existing pending record.
	default:
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return nil, err
	}

	existing, err := scanPayment(tx.QueryRowContext(ctx, selectPayment+`
	    where track_id = $1 and status = 'pending'
	    for update
	`, p.TrackID))
	if errors.Is(err, sql.ErrNoRows) {
		// Winner aborted; caller retries the insert.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
	    update kpay.payments set request_data = $2, payment_method = $3, response_url = $4, updated_at = now()
	    where payment_uid = $1
	`, existing.ID, p.RequestData, p.PaymentMethod, p.ResponseURL); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	existing.RequestData = p.RequestData
	existing.PaymentMethod = p.PaymentMethod
	existing.ResponseURL = p.ResponseURL
	return existing, nil
}

// ApplyVerifiedResponse overwrites the gateway fields of the payment with
// the given track id and moves its status per the classification. Unknown
// track ids fail with ErrNotFound. Idempotent: re-applying the same
// terminal outcome refreshes the fields without error, while a conflicting
// terminal outcome is ignored — transitions are irreversible and the first
// verified result wins.
func (r *Repository) ApplyVerifiedResponse(ctx context.Context, trackID string, fields models.ResponseFields) (*models.Payment, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		p := r.findByTrackIDLocked(trackID)
		if p == nil {
			return nil, ErrNotFound
		}
		applyResponse(p, fields)
		return p, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return nil, err
	}

	p, err := scanPayment(tx.QueryRowContext(ctx, selectPayment+`
	    where track_id = $1
	    order by (status = 'pending') desc, created_at desc
	    limit 1
	    for update
	`, trackID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if !applyResponse(p, fields) {
		// Conflicting terminal outcome; leave the row untouched.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return p, nil
	}

	if _, err := tx.ExecContext(ctx, `
	    update kpay.payments
	       set status = $2, gw_payment_id = $3, result = $4, auth_code = $5, ref = $6,
	           tran_id = $7, post_date = $8,
	           udf1 = $9, udf2 = $10, udf3 = $11, udf4 = $12, udf5 = $13,
	           response_data = $14, updated_at = now()
	     where payment_uid = $1
	`, p.ID, string(p.Status), p.GatewayPaymentID, p.Result, p.AuthCode, p.Ref,
		p.TranID, p.PostDate, p.UDF1, p.UDF2, p.UDF3, p.UDF4, p.UDF5, p.ResponseData); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByTrackID returns the payment correlated with trackID, preferring a
// pending record when several attempts share the id.
func (r *Repository) FindByTrackID(ctx context.Context, trackID string) (*models.Payment, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if p := r.findByTrackIDLocked(trackID); p != nil {
			return p, nil
		}
		return nil, ErrNotFound
	}

	p, err := scanPayment(r.db.QueryRowContext(ctx, selectPayment+`
	    where track_id = $1
	    order by (status = 'pending') desc, created_at desc
	    limit 1
	`, trackID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// FindByTranID returns the payment carrying the gateway-assigned
// transaction id.
func (r *Repository) FindByTranID(ctx context.Context, tranID string) (*models.Payment, error) {
	if tranID == "" {
		return nil, ErrNotFound
	}
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, p := range r.payments {
			if p.TranID == tranID {
				return p, nil
			}
		}
		return nil, ErrNotFound
	}

	p, err := scanPayment(r.db.QueryRowContext(ctx, selectPayment+`
	    where tran_id = $1
	    order by created_at desc
	    limit 1
	`, tranID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Ping returns DB readiness.
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func (r *Repository) findByTrackIDLocked(trackID string) *models.Payment {
	var latest *models.Payment
	for _, p := range r.payments {
		if p.TrackID != trackID {
			continue
		}
		if p.Status == models.PaymentStatusPending {
			return p
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	return latest
}

// applyResponse mutates p in place and reports whether the record changed.
// An already-terminal payment only accepts the same terminal outcome again.
func applyResponse(p *models.Payment, fields models.ResponseFields) bool {
	if p.Status.Terminal() && fields.Status != p.Status {
		return false
	}

	p.GatewayPaymentID = fields.GatewayPaymentID
	p.Result = fields.Result
	p.AuthCode = fields.AuthCode
	p.Ref = fields.Ref
	p.TranID = fields.TranID
	p.PostDate = fields.PostDate
	p.UDF1 = fields.UDF1
	p.UDF2 = fields.UDF2
	p.UDF3 = fields.UDF3
	p.UDF4 = fields.UDF4
	p.UDF5 = fields.UDF5
	p.ResponseData = fields.Raw
	p.Status = fields.Status
	p.UpdatedAt = time.Now()
	return true
}

const selectPayment = `
	select payment_uid, track_id, amount, currency, payment_method, status,
	       gw_payment_id, result, auth_code, ref, tran_id, post_date,
	       udf1, udf2, udf3, udf4, udf5,
	       response_url, request_data, response_data, created_at, updated_at
	  from kpay.payments
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var amount, status string
	if err := row.Scan(
		&p.ID, &p.TrackID, &amount, &p.Currency, &p.PaymentMethod, &status,
		&p.GatewayPaymentID, &p.Result, &p.AuthCode, &p.Ref, &p.TranID, &p.PostDate,
		&p.UDF1, &p.UDF2, &p.UDF3, &p.UDF4, &p.UDF5,
		&p.ResponseURL, &p.RequestData, &p.ResponseData, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parsing stored amount %q: %w", amount, err)
	}
	p.Amount = amt
	p.Status = models.PaymentStatus(status)
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
