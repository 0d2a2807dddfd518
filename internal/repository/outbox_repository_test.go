package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

var outboxRowColumns = []string{"id", "operation", "message_type", "correlation_id", "exchange", "routing_key", "target_queue", "body",
	"attempts", "last_error", "claimed_until", "created_at", "published_at"}

func TestOutboxRepositoryAdd(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewOutboxRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_messages")).WillReturnResult(sqlmock.NewResult(0, 1))
	msg := &models.OutboxMessage{Operation: "dataset.upload", MessageType: "Dataset uploaded", Exchange: "itemUploaded", Body: []byte("{}")}
	require.NoError(t, repo.Add(context.Background(), msg))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepositoryClaimReturnsCreationOrder(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewOutboxRepository(db)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows(outboxRowColumns).
			AddRow("b", "qa.verdict", "QA completed", "corr-2", "itemQaCompleted", "qa.verdict", "", []byte("{}"), 0, nil, base.Add(time.Minute), base.Add(time.Second), nil).
			AddRow("c", "dataset.upload", "Dataset uploaded", "corr-1", "itemUploaded", "dataset.upload", "", []byte("{}"), 0, nil, base.Add(time.Minute), base, nil).
			AddRow("a", "dataset.upload", "Dataset uploaded", "corr-3", "itemUploaded", "dataset.upload", "", []byte("{}"), 1, "boom", base.Add(time.Minute), base, nil))

	messages, err := repo.Claim(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{messages[0].ID, messages[1].ID, messages[2].ID})
	require.NotNil(t, messages[0].LastError)
	assert.Equal(t, "boom", *messages[0].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepositoryMarkAndCount(t *testing.T) {
	db, mock := newRepoMock(t)
	repo := NewOutboxRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("SET published_at = $1")).WithArgs(now, "msg-1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkPublished(context.Background(), "msg-1", now))

	mock.ExpectExec(regexp.QuoteMeta("SET attempts = attempts + 1, last_error = $1")).WithArgs("broker down", "msg-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkFailed(context.Background(), "msg-2", "broker down"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM outbox_messages WHERE published_at IS NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	pending, err := repo.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, pending)
	require.NoError(t, mock.ExpectationsWereMet())
}
