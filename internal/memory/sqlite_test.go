package memory

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/strandlabs/sovereign/pkg/models"
)

// Failure-path coverage against a mocked database: write errors must surface
// to the caller so the orchestrator can treat them as non-fatal.

func newMockedAdapter(t *testing.T) (*SQLiteAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	adapter := NewSQLiteAdapterWithDB(db)
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return adapter, mock
}

func TestSQLiteAddEntryWriteFailure(t *testing.T) {
	adapter, mock := newMockedAdapter(t)

	mock.ExpectExec("INSERT INTO entries").WillReturnError(errors.New("disk I/O error"))

	err := adapter.AddEntry(context.Background(), &Entry{
		ThreadID: "thread_abc123def456",
		Message:  models.UserMessage("hi"),
	})
	if err == nil {
		t.Fatal("expected write error to surface")
	}
}

func TestSQLiteCreateThreadFailure(t *testing.T) {
	adapter, mock := newMockedAdapter(t)

	mock.ExpectQuery("SELECT id, agent_id").WillReturnError(errors.New("database is locked"))

	_, err := adapter.CreateThread(context.Background(), "agent-1", nil, "thread_abc123def456")
	if err == nil {
		t.Fatal("expected lookup error to surface")
	}
}
