package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestSaveExperimentCommitsWithinTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	exp := Experiment{ID: "exp-1", Name: "evo-run", Status: "created", Tags: pq.StringArray{"nightly"}, CreatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO experiments").
		WithArgs(exp.ID, exp.Name, exp.Config, exp.Status, pq.StringArray(exp.Tags), exp.CreatedAt, exp.StartedAt, exp.CompletedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.SaveExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveExperimentRollsBackOnExecError(t *testing.T) {
	s, mock := newMockStore(t)
	exp := Experiment{ID: "exp-1", Name: "evo-run", Status: "created"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO experiments").WillReturnError(assertError{"constraint violation"})
	mock.ExpectRollback()

	err := s.SaveExperiment(context.Background(), exp)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddVariantInsertsWithinTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO versions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.AddVariant(context.Background(), "v-2", "package main", []byte(`[]`), 0.87, []string{"v-1"}, 2, "crossover", "exp-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBestOrdersByScoreDescending(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "experiment_id", "parent_ids", "source", "tests", "score", "generation", "mutation_kind", "created_at"}).
		AddRow("v-2", "exp-1", "{v-1}", "code-b", "[]", 0.91, 2, "crossover", time.Now()).
		AddRow("v-1", "exp-1", "{}", "code-a", "[]", 0.64, 1, "mutation", time.Now())
	mock.ExpectQuery("SELECT .* FROM versions").WithArgs("exp-1", 2).WillReturnRows(rows)

	got, err := s.GetBest(context.Background(), "exp-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v-2", got[0].ID)
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM experiments").WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Delete(context.Background(), "missing")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCheckpointsOrdersByCreatedAtDescending(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "experiment_id", "version_id", "kind", "content_hash", "corrupt", "created_at"}).
		AddRow("ck-2", "exp-1", "v-2", "automatic", "deadbeef", false, time.Now()).
		AddRow("ck-1", "exp-1", "v-1", "milestone", "cafef00d", false, time.Now().Add(-time.Hour))
	mock.ExpectQuery("SELECT .* FROM checkpoints").WithArgs("exp-1").WillReturnRows(rows)

	got, err := s.ListCheckpoints(context.Background(), "exp-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ck-2", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLineageWalksParentIDsTransitively(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "experiment_id", "parent_ids", "source", "tests", "score", "generation", "mutation_kind", "created_at"}

	mock.ExpectQuery("SELECT .* FROM versions").WithArgs("v-3").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("v-3", "exp-1", "{v-2}", "code-c", "[]", 0.95, 3, "mutation", time.Now()))
	mock.ExpectQuery("SELECT .* FROM versions").WithArgs("v-2").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("v-2", "exp-1", "{v-1}", "code-b", "[]", 0.91, 2, "mutation", time.Now()))
	mock.ExpectQuery("SELECT .* FROM versions").WithArgs("v-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("v-1", "exp-1", "{}", "code-a", "[]", 0.64, 1, "mutation", time.Now()))

	got, err := s.GetLineage(context.Background(), "v-3")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v-2", got[0].ID)
	assert.Equal(t, "v-1", got[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
