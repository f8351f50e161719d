package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/recondohq/recondo/internal/delivery"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS delivery_records (
  id                  TEXT PRIMARY KEY,
  tenant_id           TEXT NOT NULL DEFAULT '',
  provider_message_id TEXT,
  raw_status          TEXT NOT NULL DEFAULT '',
  sent_at             TIMESTAMPTZ NOT NULL,
  delivered_at        TIMESTAMPTZ,
  read_at             TIMESTAMPTZ,
  updated_at          TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_provider_id
  ON delivery_records(provider_message_id)
  WHERE provider_message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_delivery_candidates
  ON delivery_records(raw_status, sent_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_delivery_tenant_sent
  ON delivery_records(tenant_id, sent_at DESC, id DESC);
`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// PostgresStore is the multi-node durable backend.
type PostgresStore struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func mapPostgresErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "provider_id") {
			return ErrProviderIDTaken
		}
		return ErrRecordExists
	}
	return err
}

func pgNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func pgTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func (s *PostgresStore) CreateRecord(rec delivery.Record) (delivery.Record, error) {
	if s == nil || s.db == nil {
		return delivery.Record{}, errors.New("postgres store is closed")
	}

	now := s.now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RawStatus == "" {
		rec.RawStatus = delivery.StatusSent
	}
	if !delivery.KnownStatus(rec.RawStatus) {
		return delivery.Record{}, ErrInvalidStatus
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = now
	}
	rec.SentAt = rec.SentAt.UTC()
	rec.ProviderMessageID = strings.TrimSpace(rec.ProviderMessageID)
	rec.UpdatedAt = now

	var pmid any
	if rec.ProviderMessageID != "" {
		pmid = rec.ProviderMessageID
	}

	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO delivery_records
  (id, tenant_id, provider_message_id, raw_status, sent_at, delivered_at, read_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.TenantID, pmid, string(rec.RawStatus),
		rec.SentAt, pgNullTime(rec.DeliveredAt), pgNullTime(rec.ReadAt), rec.UpdatedAt,
	)
	if err != nil {
		return delivery.Record{}, mapPostgresErr(err)
	}
	return rec, nil
}

const postgresRecordCols = `id, tenant_id, provider_message_id, raw_status, sent_at, delivered_at, read_at, updated_at`

func scanPostgresRecord(row interface{ Scan(...any) error }) (delivery.Record, error) {
	var (
		rec         delivery.Record
		pmid        sql.NullString
		rawStatus   string
		deliveredAt sql.NullTime
		readAt      sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &pmid, &rawStatus, &rec.SentAt, &deliveredAt, &readAt, &rec.UpdatedAt); err != nil {
		return delivery.Record{}, err
	}
	rec.ProviderMessageID = pmid.String
	rec.RawStatus = delivery.Status(rawStatus)
	rec.SentAt = rec.SentAt.UTC()
	rec.DeliveredAt = pgTimePtr(deliveredAt)
	rec.ReadAt = pgTimePtr(readAt)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) GetRecord(id string) (delivery.Record, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT `+postgresRecordCols+` FROM delivery_records WHERE id = $1`, id)
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) GetByProviderMessageID(providerMessageID string) (delivery.Record, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT `+postgresRecordCols+` FROM delivery_records WHERE provider_message_id = $1`,
		strings.TrimSpace(providerMessageID))
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) AttachProviderMessageID(id, providerMessageID string) error {
	pmid := strings.TrimSpace(providerMessageID)
	if pmid == "" {
		return errors.New("empty provider message id")
	}

	res, err := s.db.ExecContext(context.Background(), `
UPDATE delivery_records
   SET provider_message_id = $1, updated_at = $2
 WHERE id = $3 AND provider_message_id IS NULL`,
		pmid, s.now(), id)
	if err != nil {
		return mapPostgresErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	rec, err := s.GetRecord(id)
	if err != nil {
		return err
	}
	if rec.ProviderMessageID == pmid {
		return nil
	}
	return ErrProviderIDTaken
}

func (s *PostgresStore) ApplyProviderEvent(ev ProviderEvent) (delivery.Record, error) {
	if !validEventStatus(ev.Status) {
		return delivery.Record{}, ErrInvalidStatus
	}

	now := s.now()
	at := ev.Timestamp
	if at.IsZero() {
		at = now
	}
	at = at.UTC()

	var deliveredArg, readArg any
	if ev.Status == delivery.StatusDelivered {
		deliveredArg = at
	}
	if ev.Status == delivery.StatusRead {
		readArg = at
	}

	row := s.db.QueryRowContext(context.Background(), `
UPDATE delivery_records
   SET raw_status   = $1,
       delivered_at = COALESCE(delivered_at, $2),
       read_at      = COALESCE(read_at, $3),
       updated_at   = $4
 WHERE provider_message_id = $5
RETURNING `+postgresRecordCols,
		string(ev.Status), deliveredArg, readArg, now,
		strings.TrimSpace(ev.ProviderMessageID))
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) ListReconcileCandidates(limit int) ([]delivery.Record, error) {
	limit = normalizeLimit(limit)

	rows, err := s.db.QueryContext(context.Background(), `
SELECT `+postgresRecordCols+`
  FROM delivery_records
 WHERE raw_status IN ('', $1)
 ORDER BY sent_at DESC, id DESC
 LIMIT $2`,
		string(delivery.StatusSent), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]delivery.Record, 0, limit)
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyCorrections(id string, expectRaw delivery.Status, corr delivery.Corrections) error {
	if corr.Empty() {
		return nil
	}

	newRaw := string(expectRaw)
	if corr.RawStatus != "" {
		newRaw = string(corr.RawStatus)
	}

	res, err := s.db.ExecContext(context.Background(), `
UPDATE delivery_records
   SET raw_status   = $1,
       delivered_at = COALESCE(delivered_at, $2),
       updated_at   = $3
 WHERE id = $4 AND raw_status = $5`,
		newRaw, pgNullTime(corr.DeliveredAt), s.now(),
		id, string(expectRaw))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetRecord(id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PostgresStore) ListRecords(req ListRequest) (ListResponse, error) {
	limit := normalizeLimit(req.Limit)

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if req.TenantID != "" {
		where = append(where, `tenant_id = `+arg(req.TenantID))
	}
	if req.RawStatus != "" {
		where = append(where, `raw_status = `+arg(string(req.RawStatus)))
	}
	if !req.Before.IsZero() {
		where = append(where, `sent_at < `+arg(req.Before.UTC()))
	}

	query := `SELECT ` + postgresRecordCols + ` FROM delivery_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY sent_at DESC, id DESC LIMIT ` + arg(limit)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return ListResponse{}, err
	}
	defer rows.Close()

	resp := ListResponse{Items: make([]delivery.Record, 0, limit)}
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return ListResponse{}, err
		}
		resp.Items = append(resp.Items, rec)
	}
	return resp, rows.Err()
}

func (s *PostgresStore) Stats() (Stats, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT raw_status, delivered_at IS NOT NULL, read_at IS NOT NULL, COUNT(*)
		   FROM delivery_records
		  GROUP BY raw_status, delivered_at IS NOT NULL, read_at IS NOT NULL`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	st := Stats{ByStatus: make(map[delivery.Status]int)}
	marker := time.Unix(0, 0).UTC()
	for rows.Next() {
		var (
			rawStatus    string
			hasDelivered bool
			hasRead      bool
			count        int
		)
		if err := rows.Scan(&rawStatus, &hasDelivered, &hasRead, &count); err != nil {
			return Stats{}, err
		}
		rec := delivery.Record{RawStatus: delivery.Status(rawStatus)}
		if hasDelivered {
			rec.DeliveredAt = &marker
		}
		if hasRead {
			rec.ReadAt = &marker
		}
		st.Total += count
		st.ByStatus[delivery.Canonical(rec)] += count
	}
	return st, rows.Err()
}
