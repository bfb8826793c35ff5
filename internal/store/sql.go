package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"

	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

// Dialect selects placeholder syntax and locking for a SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// driver names registered by modernc.org/sqlite and pgx/v5/stdlib
var driverNames = map[Dialect]string{
	DialectSQLite:   "sqlite",
	DialectPostgres: "pgx",
}

const (
	sqliteBusy                 = 5
	sqliteLocked               = 6
	sqliteConstraint           = 19
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067

	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// createSessionAttempts bounds retries when a concurrent open for the same
// lecture wins the active slot first.
const createSessionAttempts = 5

const schema = `
CREATE TABLE IF NOT EXISTS attendance_sessions (
	session_id  TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	lecture_ref TEXT NOT NULL,
	issued_at   BIGINT NOT NULL,
	expires_at  BIGINT NOT NULL,
	anchor_lat  DOUBLE PRECISION,
	anchor_lon  DOUBLE PRECISION,
	nonce       TEXT NOT NULL,
	state       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS attendance_sessions_lecture ON attendance_sessions (lecture_ref, state);
CREATE UNIQUE INDEX IF NOT EXISTS attendance_sessions_one_active ON attendance_sessions (lecture_ref) WHERE state = 'active';
CREATE TABLE IF NOT EXISTS attendance_outcomes (
	claimant_id      TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	status           TEXT NOT NULL,
	reject_reason    TEXT NOT NULL DEFAULT '',
	delay_ns         BIGINT NOT NULL,
	device_signature TEXT NOT NULL DEFAULT '',
	submitted_at     BIGINT NOT NULL,
	decided_at       BIGINT NOT NULL,
	anomalies        TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (claimant_id, session_id)
);
CREATE INDEX IF NOT EXISTS attendance_outcomes_device ON attendance_outcomes (session_id, device_signature);
CREATE TABLE IF NOT EXISTS claim_activity (
	claimant_id      TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	device_signature TEXT NOT NULL DEFAULT '',
	submitted_at     BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS claim_activity_claimant ON claim_activity (claimant_id, submitted_at);
`

// SQLStore implements Store on database/sql. It runs on SQLite
// (modernc.org/sqlite) and Postgres (pgx stdlib driver).
type SQLStore struct {
	db        *sql.DB
	dialect   Dialect
	retention time.Duration
}

// OpenSQL opens dsn with the driver matching dialect, applies the schema and
// returns a ready store.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, retention time.Duration) (*SQLStore, error) {
	name, ok := driverNames[dialect]
	if !ok {
		return nil, fmt.Errorf("unknown sql dialect %q", dialect)
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, utils.Wrap(utils.CodeStoreUnavailable, "open database", err)
	}
	if dialect == DialectSQLite {
		// one writer; also keeps a ":memory:" database on a single connection
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect, retention)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing handle. Call Init before use unless the schema exists.
func NewSQLStore(db *sql.DB, dialect Dialect, retention time.Duration) *SQLStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SQLStore{db: db, dialect: dialect, retention: retention}
}

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.classify("init schema", err)
		}
	}
	return nil
}

// CreateSession inserts sess, first superseding the active session of the
// same lecture when supersede is set. At most one session per lecture is
// active; an insert that loses that slot to a concurrent open is retried.
func (s *SQLStore) CreateSession(ctx context.Context, sess *models.Session, supersede bool) ([]string, error) {
	var err error
	for attempt := 0; attempt < createSessionAttempts; attempt++ {
		var superseded []string
		superseded, err = s.createSession(ctx, sess, supersede)
		if !errors.Is(err, utils.ErrStoreConflict) {
			return superseded, err
		}
	}
	return nil, err
}

func (s *SQLStore) createSession(ctx context.Context, sess *models.Session, supersede bool) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == DialectPostgres {
		// FOR UPDATE locks nothing when no session is active yet
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sess.LectureRef); err != nil {
			return nil, s.classify("lock lecture", err)
		}
	}

	var superseded []string
	if supersede {
		rows, err := tx.QueryContext(ctx, s.rebind(
			`SELECT session_id FROM attendance_sessions WHERE lecture_ref = ? AND state = ? ORDER BY session_id`+s.forUpdate()),
			sess.LectureRef, string(models.SessionActive))
		if err != nil {
			return nil, s.classify("select active sessions", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, s.classify("scan session id", err)
			}
			superseded = append(superseded, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, s.classify("iterate sessions", err)
		}
		if len(superseded) > 0 {
			_, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE attendance_sessions SET state = ? WHERE lecture_ref = ? AND state = ?`),
				string(models.SessionSuperseded), sess.LectureRef, string(models.SessionActive))
			if err != nil {
				return nil, s.classify("supersede sessions", err)
			}
		}
	}

	lat, lon := nullLocation(sess.AnchorLocation)
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO attendance_sessions (session_id, owner_id, lecture_ref, issued_at, expires_at, anchor_lat, anchor_lon, nonce, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.SessionID, sess.OwnerID, sess.LectureRef, sess.IssuedAt.UnixNano(), sess.ExpiresAt.UnixNano(),
		lat, lon, sess.Nonce, string(sess.State))
	if err != nil {
		return nil, s.classify("insert session", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.classify("commit session", err)
	}
	return superseded, nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(sessionSelect+` WHERE session_id = ?`), sessionID)
	return s.scanSession(row)
}

func (s *SQLStore) UpdateSession(ctx context.Context, sessionID string, fn func(*models.Session) error) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.rebind(sessionSelect+` WHERE session_id = ?`+s.forUpdate()), sessionID)
	sess, err := s.scanSession(row)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	lat, lon := nullLocation(sess.AnchorLocation)
	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE attendance_sessions SET expires_at = ?, anchor_lat = ?, anchor_lon = ?, nonce = ?, state = ?
		WHERE session_id = ?`),
		sess.ExpiresAt.UnixNano(), lat, lon, sess.Nonce, string(sess.State), sessionID)
	if err != nil {
		return nil, s.classify("update session", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.classify("commit session update", err)
	}
	return sess, nil
}

const sessionSelect = `SELECT session_id, owner_id, lecture_ref, issued_at, expires_at, anchor_lat, anchor_lon, nonce, state FROM attendance_sessions`

func (s *SQLStore) scanSession(row *sql.Row) (*models.Session, error) {
	var (
		sess            models.Session
		issued, expires int64
		lat, lon        sql.NullFloat64
		state           string
	)
	err := row.Scan(&sess.SessionID, &sess.OwnerID, &sess.LectureRef, &issued, &expires, &lat, &lon, &sess.Nonce, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, s.classify("scan session", err)
	}
	sess.IssuedAt = time.Unix(0, issued).UTC()
	sess.ExpiresAt = time.Unix(0, expires).UTC()
	sess.State = models.SessionState(state)
	if lat.Valid && lon.Valid {
		sess.AnchorLocation = &models.Location{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &sess, nil
}

func (s *SQLStore) GetOutcome(ctx context.Context, claimantID, sessionID string) (*models.AttendanceOutcome, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(outcomeSelect+` WHERE claimant_id = ? AND session_id = ?`), claimantID, sessionID)
	if err != nil {
		return nil, s.classify("select outcome", err)
	}
	out, err := s.scanOutcomes(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, utils.ErrNotFound
	}
	return out[0], nil
}

func (s *SQLStore) RecordOutcome(ctx context.Context, o *models.AttendanceOutcome, entry models.ActivityEntry) error {
	anomalies, err := json.Marshal(o.Anomalies)
	if err != nil {
		return fmt.Errorf("marshal anomalies: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO attendance_outcomes (claimant_id, session_id, status, reject_reason, delay_ns, device_signature, submitted_at, decided_at, anomalies)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (claimant_id, session_id) DO NOTHING`),
		o.ClaimantID, o.SessionID, string(o.Status), string(o.RejectReason), int64(o.Delay),
		o.DeviceSignature, o.SubmittedAt.UnixNano(), o.DecidedAt.UnixNano(), string(anomalies))
	if err != nil {
		return s.classify("insert outcome", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.classify("insert outcome", err)
	}
	if n == 0 {
		return utils.ErrDuplicateClaim
	}
	if err := s.appendTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.classify("commit outcome", err)
	}
	return nil
}

func (s *SQLStore) DeviceUses(ctx context.Context, sessionID, deviceSignature string) ([]models.DeviceUse, error) {
	if deviceSignature == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT claimant_id, submitted_at FROM attendance_outcomes WHERE session_id = ? AND device_signature = ? ORDER BY submitted_at`),
		sessionID, deviceSignature)
	if err != nil {
		return nil, s.classify("select device uses", err)
	}
	defer func() { _ = rows.Close() }()

	var uses []models.DeviceUse
	for rows.Next() {
		var (
			u  models.DeviceUse
			at int64
		)
		if err := rows.Scan(&u.ClaimantID, &at); err != nil {
			return nil, s.classify("scan device use", err)
		}
		u.SubmittedAt = time.Unix(0, at).UTC()
		uses = append(uses, u)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("iterate device uses", err)
	}
	return uses, nil
}

func (s *SQLStore) ListOutcomes(ctx context.Context, sessionID string) ([]*models.AttendanceOutcome, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(outcomeSelect+` WHERE session_id = ? ORDER BY submitted_at`), sessionID)
	if err != nil {
		return nil, s.classify("select outcomes", err)
	}
	return s.scanOutcomes(rows)
}

const outcomeSelect = `SELECT claimant_id, session_id, status, reject_reason, delay_ns, device_signature, submitted_at, decided_at, anomalies FROM attendance_outcomes`

func (s *SQLStore) scanOutcomes(rows *sql.Rows) ([]*models.AttendanceOutcome, error) {
	defer func() { _ = rows.Close() }()

	var out []*models.AttendanceOutcome
	for rows.Next() {
		var (
			o                         models.AttendanceOutcome
			status, reason, anomalies string
			delay, submitted, decided int64
		)
		if err := rows.Scan(&o.ClaimantID, &o.SessionID, &status, &reason, &delay, &o.DeviceSignature, &submitted, &decided, &anomalies); err != nil {
			return nil, s.classify("scan outcome", err)
		}
		o.Status = models.Status(status)
		o.RejectReason = models.RejectReason(reason)
		o.Delay = time.Duration(delay)
		o.SubmittedAt = time.Unix(0, submitted).UTC()
		o.DecidedAt = time.Unix(0, decided).UTC()
		if err := json.Unmarshal([]byte(anomalies), &o.Anomalies); err != nil {
			return nil, fmt.Errorf("decode anomalies for %s/%s: %w", o.ClaimantID, o.SessionID, err)
		}
		for _, f := range o.Anomalies {
			if !f.Kind.Valid() {
				return nil, fmt.Errorf("decode anomalies for %s/%s: unknown kind %q", o.ClaimantID, o.SessionID, f.Kind)
			}
		}
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("iterate outcomes", err)
	}
	return out, nil
}

func (s *SQLStore) AppendActivity(ctx context.Context, entry models.ActivityEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.appendTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.classify("commit activity", err)
	}
	return nil
}

func (s *SQLStore) appendTx(ctx context.Context, tx *sql.Tx, entry models.ActivityEntry) error {
	_, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO claim_activity (claimant_id, session_id, device_signature, submitted_at) VALUES (?, ?, ?, ?)`),
		entry.ClaimantID, entry.SessionID, entry.DeviceSignature, entry.SubmittedAt.UnixNano())
	if err != nil {
		return s.classify("insert activity", err)
	}
	cutoff := entry.SubmittedAt.Add(-s.retention).UnixNano()
	_, err = tx.ExecContext(ctx, s.rebind(
		`DELETE FROM claim_activity WHERE claimant_id = ? AND submitted_at < ?`), entry.ClaimantID, cutoff)
	if err != nil {
		return s.classify("evict activity", err)
	}
	return nil
}

func (s *SQLStore) RecentActivity(ctx context.Context, claimantID string, since time.Time) ([]models.ActivityEntry, error) {
	from := int64(math.MinInt64)
	if !since.IsZero() {
		from = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT claimant_id, session_id, device_signature, submitted_at FROM claim_activity
		 WHERE claimant_id = ? AND submitted_at >= ? ORDER BY submitted_at`),
		claimantID, from)
	if err != nil {
		return nil, s.classify("select activity", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ActivityEntry
	for rows.Next() {
		var (
			e  models.ActivityEntry
			at int64
		)
		if err := rows.Scan(&e.ClaimantID, &e.SessionID, &e.DeviceSignature, &at); err != nil {
			return nil, s.classify("scan activity", err)
		}
		e.SubmittedAt = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("iterate activity", err)
	}
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.classify("ping", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) forUpdate() string {
	if s.dialect == DialectPostgres {
		return ` FOR UPDATE`
	}
	return ""
}

// classify maps driver errors onto the store taxonomy: lock, serialization and
// uniqueness failures become ErrStoreConflict, everything else ErrStoreUnavailable.
func (s *SQLStore) classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return utils.Wrap(utils.CodeStoreConflict, op, err)
		}
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		switch {
		case code&0xff == sqliteBusy, code&0xff == sqliteLocked:
			return utils.Wrap(utils.CodeStoreConflict, op, err)
		case code == sqliteConstraint, code == sqliteConstraintUnique, code == sqliteConstraintPrimaryKey:
			return utils.Wrap(utils.CodeStoreConflict, op, err)
		}
	}
	return utils.Wrap(utils.CodeStoreUnavailable, op, err)
}

func nullLocation(loc *models.Location) (sql.NullFloat64, sql.NullFloat64) {
	if loc == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: loc.Lat, Valid: true}, sql.NullFloat64{Float64: loc.Lon, Valid: true}
}
