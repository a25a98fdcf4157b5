package postgres

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IncidentSchema is applied at startup when a database is configured.
const IncidentSchema = `
CREATE TABLE IF NOT EXISTS payment_incidents (
	id              UUID PRIMARY KEY,
	key_hash        TEXT NOT NULL UNIQUE,
	session_id      TEXT NOT NULL,
	resource_ref    TEXT NOT NULL,
	order_id        TEXT NOT NULL,
	payment_id      TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	amount          NUMERIC(12,2) NOT NULL,
	currency        TEXT NOT NULL,
	contact_name    TEXT NOT NULL,
	contact_phone   TEXT NOT NULL,
	contact_email   TEXT NOT NULL DEFAULT '',
	detail          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS payment_incidents_open_idx
	ON payment_incidents (created_at) WHERE resolved_at IS NULL;`

// Incident is a payment that was collected but failed server verification.
type Incident struct {
	ID             uuid.UUID  `json:"id"`
	SessionID      string     `json:"sessionId"`
	ResourceRef    string     `json:"resourceRef"`
	OrderID        string     `json:"orderId"`
	PaymentID      string     `json:"paymentId"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Amount         float64    `json:"amount"`
	Currency       string     `json:"currency"`
	ContactName    string     `json:"contactName"`
	ContactPhone   string     `json:"contactPhone"`
	ContactEmail   string     `json:"contactEmail,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

type IncidentRepo interface {
	// Record stores the incident once per order/payment pair; recording the
	// same pair again returns the existing row.
	Record(ctx context.Context, in *Incident) (*Incident, error)
	ListOpen(ctx context.Context, limit, offset int) ([]Incident, error)
	Resolve(ctx context.Context, id uuid.UUID) (bool, error)
}

type IncidentRepoImpl struct {
	pool *pgxpool.Pool
}

func NewIncidentRepo(pool *pgxpool.Pool) *IncidentRepoImpl {
	return &IncidentRepoImpl{pool: pool}
}

func (r *IncidentRepoImpl) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := r.pool.Exec(ctx, IncidentSchema)
	return err
}

// incidentKeyHash keeps identifiers at a fixed length for the unique index.
func incidentKeyHash(orderID, paymentID string) string {
	sum := sha256.Sum256([]byte(orderID + ":" + paymentID))
	return fmt.Sprintf("%x", sum)
}

const incidentCols = `id, session_id, resource_ref, order_id, payment_id, idempotency_key,
amount, currency, contact_name, contact_phone, contact_email, detail, created_at, resolved_at`

func scanIncident(row pgx.Row) (*Incident, error) {
	var in Incident
	err := row.Scan(
		&in.ID, &in.SessionID, &in.ResourceRef, &in.OrderID, &in.PaymentID, &in.IdempotencyKey,
		&in.Amount, &in.Currency, &in.ContactName, &in.ContactPhone, &in.ContactEmail, &in.Detail,
		&in.CreatedAt, &in.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (r *IncidentRepoImpl) Record(ctx context.Context, in *Incident) (*Incident, error) {
	const q = `INSERT INTO payment_incidents (
    id, key_hash, session_id, resource_ref, order_id, payment_id, idempotency_key,
    amount, currency, contact_name, contact_phone, contact_email, detail
  ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
  ON CONFLICT (key_hash) DO UPDATE SET detail = payment_incidents.detail
  RETURNING ` + incidentCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return scanIncident(r.pool.QueryRow(ctx, q,
		id, incidentKeyHash(in.OrderID, in.PaymentID), in.SessionID, in.ResourceRef,
		in.OrderID, in.PaymentID, in.IdempotencyKey,
		in.Amount, in.Currency, in.ContactName, in.ContactPhone, in.ContactEmail, in.Detail,
	))
}

func (r *IncidentRepoImpl) ListOpen(ctx context.Context, limit, offset int) ([]Incident, error) {
	q := `SELECT ` + incidentCols + ` FROM payment_incidents
  WHERE resolved_at IS NULL
  ORDER BY created_at ASC
  LIMIT $1 OFFSET $2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func (r *IncidentRepoImpl) Resolve(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE payment_incidents SET resolved_at = now() WHERE id = $1 AND resolved_at IS NULL`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

var _ IncidentRepo = (*IncidentRepoImpl)(nil)
