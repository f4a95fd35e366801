package punchcard_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"punchd/internal/db"
	"punchd/internal/domain"
	"punchd/internal/migrate"
	"punchd/internal/punchcard"
	"punchd/internal/repo"
)

const ts0 = "2024-01-01T00:00:00.000000Z"

func newStore(t *testing.T) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return repo.Repo{DB: conn, Dialect: dialect}
}

func seed(t *testing.T, r repo.Repo, cardID string, reqs []domain.Requirement, punches ...domain.Punch) {
	t.Helper()
	ctx := context.Background()
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.EnsureTaskTx(ctx, tx, "t1", ts0); err != nil {
			return err
		}
		if err := r.ReplaceCardTx(ctx, tx, cardID, reqs); err != nil {
			return err
		}
		for _, p := range punches {
			if _, err := r.InsertPunchTx(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func punch(pt domain.PunchType, key, hash string) domain.Punch {
	return domain.Punch{TaskID: "t1", PunchType: pt, PunchKey: key, ObservedAt: ts0, SourceHash: hash}
}

func TestValidatePassAndMissing(t *testing.T) {
	r := newStore(t)
	seed(t, r, "code", []domain.Requirement{
		{CardID: "code", PunchType: domain.PunchGatePass, PunchKeyPattern: "pytest%", Required: true},
		{CardID: "code", PunchType: domain.PunchToolCall, PunchKeyPattern: "apply_diff", Required: true, Description: "edit something"},
	}, punch(domain.PunchGatePass, "pytest-unit", "h1"))

	v := punchcard.Validator{Store: r}
	res, err := v.Validate(context.Background(), "t1", "code")
	require.NoError(t, err)
	assert.Equal(t, punchcard.StatusFail, res.Status)
	require.Len(t, res.Missing, 1)
	assert.Equal(t, "tool_call:apply_diff", res.Missing[0].Ref)
	assert.Equal(t, domain.MarkerMissing, res.Missing[0].Marker)
	assert.Equal(t, "edit something", res.Missing[0].Description)

	seed(t, r, "code", []domain.Requirement{
		{CardID: "code", PunchType: domain.PunchGatePass, PunchKeyPattern: "pytest%", Required: true},
	})
	res, err = v.Validate(context.Background(), "t1", "code")
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Empty(t, res.Missing)
}

func TestValidateForbiddenRule(t *testing.T) {
	r := newStore(t)
	seed(t, r, "review", []domain.Requirement{
		{CardID: "review", PunchType: domain.PunchToolCall, PunchKeyPattern: "write_to_file", Required: false},
	}, punch(domain.PunchToolCall, "write_to_file", "h1"), punch(domain.PunchToolCall, "write_to_file", "h2"))

	res, err := punchcard.Validator{Store: r}.Validate(context.Background(), "t1", "review")
	require.NoError(t, err)
	assert.Equal(t, punchcard.StatusFail, res.Status)
	require.Len(t, res.Missing, 1)
	assert.Equal(t, domain.MarkerForbidden, res.Missing[0].Marker)
	assert.Equal(t, 2, res.Missing[0].Count)
}

func TestValidateEmptyCard(t *testing.T) {
	r := newStore(t)
	res, err := punchcard.Validator{Store: r}.Validate(context.Background(), "t1", "ghost")
	require.NoError(t, err)
	assert.True(t, res.EmptyCard)
	assert.True(t, res.Valid())

	closed := punchcard.FailClosed(res)
	assert.Equal(t, punchcard.StatusFail, closed.Status)
	require.Len(t, closed.Missing, 1)
	assert.Equal(t, domain.MarkerNoRequirements, closed.Missing[0].Marker)
	assert.Equal(t, "no requirements found for card ghost", closed.Missing[0].Description)
}

func TestValidateStoreErrorIsIndeterminate(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.ExpectQuery("SELECT card_id").
		WithArgs("code").
		WillReturnRows(sqlmock.NewRows([]string{"card_id", "punch_type", "punch_key_pattern", "required", "description"}).
			AddRow("code", "gate_pass", "pytest", true, ""))
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("disk I/O error"))

	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	res, err := punchcard.Validator{Store: r}.Validate(context.Background(), "t1", "code")
	require.Error(t, err)
	assert.True(t, errors.Is(err, punchcard.ErrIndeterminate))
	assert.Empty(t, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateCancelledContext(t *testing.T) {
	r := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := punchcard.Validator{Store: r}.Validate(ctx, "t1", "code")
	assert.True(t, errors.Is(err, punchcard.ErrIndeterminate))
}
