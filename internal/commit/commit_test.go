package commit_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"punchd/internal/commit"
	"punchd/internal/db"
	"punchd/internal/migrate"
	"punchd/internal/repo"
)

const ts0 = "2024-01-01T00:00:00.000000Z"

func newLedger(t *testing.T) commit.Ledger {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return commit.Ledger{Repo: repo.Repo{DB: conn, Dialect: dialect}}
}

func TestLedgerChainsAndIsIdempotent(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	h1, err := l.Commit(ctx, commit.Request{CheckpointID: "cp1", TaskID: "t1", CardID: "python", At: ts0})
	require.NoError(t, err)
	again, err := l.Commit(ctx, commit.Request{CheckpointID: "cp1", TaskID: "t1", CardID: "python", At: ts0})
	require.NoError(t, err)
	assert.Equal(t, h1, again)

	h2, err := l.Commit(ctx, commit.Request{CheckpointID: "cp2", TaskID: "t2", CardID: "python", At: ts0})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	commits, err := l.Repo.ListCommits(ctx)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, commit.GenesisHash, commits[0].PrevHash)
	assert.Equal(t, h1, commits[1].PrevHash)
	require.NoError(t, commit.VerifyChain(commits))

	commits[0].Message = "rewritten"
	assert.Error(t, commit.VerifyChain(commits))
}

func TestLedgerRequiresCheckpoint(t *testing.T) {
	l := newLedger(t)
	_, err := l.Commit(context.Background(), commit.Request{TaskID: "t1"})
	assert.Error(t, err)
}

func TestDoltCommit(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	req := commit.Request{CheckpointID: "cp1", TaskID: "t1", CardID: "python", At: ts0}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT commit_hash FROM dolt_log WHERE message = $1 LIMIT 1`)).
		WithArgs(req.Message()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DOLT_COMMIT('-A', '-m', $1, '--author', $2)`)).
		WithArgs(req.Message(), "punchd <punchd@localhost>").
		WillReturnRows(sqlmock.NewRows([]string{"dolt_commit"}).AddRow("{abc123}"))

	d := commit.Dolt{DB: conn, Dialect: db.Postgres, Author: "punchd <punchd@localhost>"}
	hash, err := d.Commit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDoltCommitReusesExistingCommit(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	req := commit.Request{CheckpointID: "cp1", TaskID: "t1", CardID: "python"}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT commit_hash FROM dolt_log`)).
		WithArgs(req.Message()).
		WillReturnRows(sqlmock.NewRows([]string{"commit_hash"}).AddRow("deadbeef"))

	hash, err := commit.Dolt{DB: conn, Dialect: db.Postgres}.Commit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}
