package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

func TestSQLStore_SQLite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		// OpenSQL pins sqlite to one connection, so each ":memory:" store is private
		s, err := OpenSQL(context.Background(), DialectSQLite, ":memory:", 10*time.Minute)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestSQLStore_Postgres requires a running Postgres.
// We skip unless STORE_TEST_POSTGRES_DSN is set.
func TestSQLStore_Postgres(t *testing.T) {
	dsn := os.Getenv("STORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping Postgres integration test: STORE_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenSQL(context.Background(), DialectPostgres, dsn, 10*time.Minute)
		require.NoError(t, err)
		for _, table := range []string{"attendance_sessions", "attendance_outcomes", "claim_activity"} {
			_, err := s.db.Exec("TRUNCATE " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := NewSQLStore(nil, DialectPostgres, 0)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := NewSQLStore(nil, DialectSQLite, 0)
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestSQLStore_ClassifyErrors(t *testing.T) {
	s := NewSQLStore(nil, DialectPostgres, 0)

	err := s.classify("insert", &pgconn.PgError{Code: pgSerializationFailure})
	assert.ErrorIs(t, err, utils.ErrStoreConflict)

	err = s.classify("insert", &pgconn.PgError{Code: pgUniqueViolation})
	assert.ErrorIs(t, err, utils.ErrStoreConflict)

	err = s.classify("insert", errors.New("connection reset by peer"))
	assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, utils.ErrDuplicateClaim)
}

func TestSQLStore_RecordOutcome_StoreFailureIsNotDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres, 0)
	o := newOutcome("alice", "s1", "dev", t0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attendance_outcomes").WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	err = s.RecordOutcome(context.Background(), o, entryFor(o))
	assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, utils.ErrDuplicateClaim)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_RecordOutcome_ConflictDoNothingIsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres, 0)
	o := newOutcome("alice", "s1", "dev", t0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attendance_outcomes").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.RecordOutcome(context.Background(), o, entryFor(o))
	assert.ErrorIs(t, err, utils.ErrDuplicateClaim)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_RecordOutcome_CommitsActivity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres, time.Hour)
	o := newOutcome("alice", "s1", "dev", t0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO attendance_outcomes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO claim_activity").
		WithArgs("alice", "s1", "dev", t0.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM claim_activity").
		WithArgs("alice", t0.Add(-time.Hour).UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.RecordOutcome(context.Background(), o, entryFor(o)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetSession_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres, 0)
	mock.ExpectQuery("SELECT session_id").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err = s.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestSQLStore_CreateSession_RetriesLostActiveSlot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres, 0)
	sess := newSession("s2", "cs101")

	// a concurrent open committed s1 between our select and insert
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("cs101").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT session_id FROM attendance_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))
	mock.ExpectExec("INSERT INTO attendance_sessions").
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "attendance_sessions_one_active"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("cs101").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT session_id FROM attendance_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("s1"))
	mock.ExpectExec("UPDATE attendance_sessions SET state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO attendance_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	superseded, err := s.CreateSession(context.Background(), sess, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, superseded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateSession_GivesUpAfterRepeatedConflicts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres, 0)
	for i := 0; i < createSessionAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO attendance_sessions").
			WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})
		mock.ExpectRollback()
	}

	_, err = s.CreateSession(context.Background(), newSession("s1", "cs101"), false)
	assert.ErrorIs(t, err, utils.ErrStoreConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListOutcomes_RejectsUnknownKind(t *testing.T) {
	s, err := OpenSQL(context.Background(), DialectSQLite, ":memory:", time.Hour)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	o := newOutcome("alice", "s1", "dev", t0)
	o.Anomalies[0].Kind = models.AnomalyKind("teleportation")
	require.NoError(t, s.RecordOutcome(context.Background(), o, entryFor(o)))

	_, err = s.ListOutcomes(context.Background(), "s1")
	assert.ErrorContains(t, err, "unknown kind")
}
