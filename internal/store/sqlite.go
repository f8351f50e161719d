package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"

	"github.com/recondohq/recondo/internal/delivery"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS delivery_records (
  id                  TEXT PRIMARY KEY,
  tenant_id           TEXT NOT NULL DEFAULT '',
  provider_message_id TEXT,
  raw_status          TEXT NOT NULL DEFAULT '',
  sent_at             INTEGER NOT NULL,
  delivered_at        INTEGER,
  read_at             INTEGER,
  updated_at          INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_provider_id
  ON delivery_records(provider_message_id)
  WHERE provider_message_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_delivery_candidates
  ON delivery_records(raw_status, sent_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_delivery_tenant_sent
  ON delivery_records(tenant_id, sent_at DESC, id DESC);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// SQLiteStore is the single-node durable backend.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	var userVersion int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return err
	}
	if userVersion > sqliteSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", userVersion, sqliteSchemaVersion)
	}
	if userVersion < 1 {
		if _, err := s.db.ExecContext(ctx, sqliteSchemaV1); err != nil {
			return err
		}
	}
	if userVersion != sqliteSchemaVersion {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, sqliteSchemaVersion)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func sqliteMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func sqliteNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: sqliteMillis(*t), Valid: true}
}

func sqliteTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func sqliteNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := sqliteTime(v.Int64)
	return &t
}

func mapSQLiteErr(err error) error {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case 1555: // SQLITE_CONSTRAINT_PRIMARYKEY
			return ErrRecordExists
		case 2067: // SQLITE_CONSTRAINT_UNIQUE
			return ErrProviderIDTaken
		}
	}
	return err
}

func (s *SQLiteStore) CreateRecord(rec delivery.Record) (delivery.Record, error) {
	if s == nil || s.db == nil {
		return delivery.Record{}, errors.New("sqlite store is closed")
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
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, pmid, string(rec.RawStatus),
		sqliteMillis(rec.SentAt), sqliteNullMillis(rec.DeliveredAt), sqliteNullMillis(rec.ReadAt),
		sqliteMillis(rec.UpdatedAt),
	)
	if err != nil {
		return delivery.Record{}, mapSQLiteErr(err)
	}
	return rec, nil
}

const sqliteRecordCols = `id, tenant_id, provider_message_id, raw_status, sent_at, delivered_at, read_at, updated_at`

func scanSQLiteRecord(row interface{ Scan(...any) error }) (delivery.Record, error) {
	var (
		rec         delivery.Record
		pmid        sql.NullString
		rawStatus   string
		sentAt      int64
		deliveredAt sql.NullInt64
		readAt      sql.NullInt64
		updatedAt   int64
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &pmid, &rawStatus, &sentAt, &deliveredAt, &readAt, &updatedAt); err != nil {
		return delivery.Record{}, err
	}
	rec.ProviderMessageID = pmid.String
	rec.RawStatus = delivery.Status(rawStatus)
	rec.SentAt = sqliteTime(sentAt)
	rec.DeliveredAt = sqliteNullTime(deliveredAt)
	rec.ReadAt = sqliteNullTime(readAt)
	rec.UpdatedAt = sqliteTime(updatedAt)
	return rec, nil
}

func (s *SQLiteStore) GetRecord(id string) (delivery.Record, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT `+sqliteRecordCols+` FROM delivery_records WHERE id = ?`, id)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) GetByProviderMessageID(providerMessageID string) (delivery.Record, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT `+sqliteRecordCols+` FROM delivery_records WHERE provider_message_id = ?`,
		strings.TrimSpace(providerMessageID))
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) AttachProviderMessageID(id, providerMessageID string) error {
	pmid := strings.TrimSpace(providerMessageID)
	if pmid == "" {
		return errors.New("empty provider message id")
	}

	res, err := s.db.ExecContext(context.Background(), `
UPDATE delivery_records
   SET provider_message_id = ?, updated_at = ?
 WHERE id = ? AND provider_message_id IS NULL`,
		pmid, sqliteMillis(s.now()), id)
	if err != nil {
		return mapSQLiteErr(err)
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

func (s *SQLiteStore) ApplyProviderEvent(ev ProviderEvent) (delivery.Record, error) {
	if !validEventStatus(ev.Status) {
		return delivery.Record{}, ErrInvalidStatus
	}

	now := s.now()
	at := ev.Timestamp
	if at.IsZero() {
		at = now
	}
	atMs := sqliteMillis(at)

	var deliveredArg, readArg any
	if ev.Status == delivery.StatusDelivered {
		deliveredArg = atMs
	}
	if ev.Status == delivery.StatusRead {
		readArg = atMs
	}

	// Single conditional update so a racing sweep correction cannot be lost:
	// timestamps only fill in when still null, raw status is overwritten
	// verbatim (it is advisory by contract).
	res, err := s.db.ExecContext(context.Background(), `
UPDATE delivery_records
   SET raw_status   = ?,
       delivered_at = COALESCE(delivered_at, ?),
       read_at      = COALESCE(read_at, ?),
       updated_at   = ?
 WHERE provider_message_id = ?`,
		string(ev.Status), deliveredArg, readArg, sqliteMillis(now),
		strings.TrimSpace(ev.ProviderMessageID))
	if err != nil {
		return delivery.Record{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return delivery.Record{}, err
	}
	if n == 0 {
		return delivery.Record{}, ErrNotFound
	}
	return s.GetByProviderMessageID(ev.ProviderMessageID)
}

func (s *SQLiteStore) ListReconcileCandidates(limit int) ([]delivery.Record, error) {
	limit = normalizeLimit(limit)

	rows, err := s.db.QueryContext(context.Background(), `
SELECT `+sqliteRecordCols+`
  FROM delivery_records
 WHERE raw_status IN ('', ?)
 ORDER BY sent_at DESC, id DESC
 LIMIT ?`,
		string(delivery.StatusSent), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]delivery.Record, 0, limit)
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ApplyCorrections(id string, expectRaw delivery.Status, corr delivery.Corrections) error {
	if corr.Empty() {
		return nil
	}

	rawArg := string(expectRaw)
	newRaw := rawArg
	if corr.RawStatus != "" {
		newRaw = string(corr.RawStatus)
	}

	res, err := s.db.ExecContext(context.Background(), `
UPDATE delivery_records
   SET raw_status   = ?,
       delivered_at = COALESCE(delivered_at, ?),
       updated_at   = ?
 WHERE id = ? AND raw_status = ?`,
		newRaw, sqliteNullMillis(corr.DeliveredAt), sqliteMillis(s.now()),
		id, rawArg)
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

func (s *SQLiteStore) ListRecords(req ListRequest) (ListResponse, error) {
	limit := normalizeLimit(req.Limit)

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if req.TenantID != "" {
		where = append(where, `tenant_id = ?`)
		args = append(args, req.TenantID)
	}
	if req.RawStatus != "" {
		where = append(where, `raw_status = ?`)
		args = append(args, string(req.RawStatus))
	}
	if !req.Before.IsZero() {
		where = append(where, `sent_at < ?`)
		args = append(args, sqliteMillis(req.Before))
	}

	query := `SELECT ` + sqliteRecordCols + ` FROM delivery_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY sent_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return ListResponse{}, err
	}
	defer rows.Close()

	resp := ListResponse{Items: make([]delivery.Record, 0, limit)}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return ListResponse{}, err
		}
		resp.Items = append(resp.Items, rec)
	}
	return resp, rows.Err()
}

func (s *SQLiteStore) Stats() (Stats, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT raw_status, delivered_at IS NOT NULL, read_at IS NOT NULL, COUNT(*)
		   FROM delivery_records
		  GROUP BY raw_status, delivered_at IS NOT NULL, read_at IS NOT NULL`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	// Canonical state is derived, so aggregate through the normalizer
	// instead of trusting raw_status buckets. Only timestamp presence
	// matters for the derivation.
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
