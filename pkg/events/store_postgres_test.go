package events

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresArchiveWritesBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS event_archive").WillReturnResult(sqlmock.NewResult(0, 0))
	archive, err := NewPostgresArchive(db)
	require.NoError(t, err)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO event_archive")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev := StoredEvent{
		Event: Event{
			EventID: "e1", TenantID: "t", AssetID: "a", EventCategory: "process",
			EventType: "process.spawn", SequenceNumber: 1,
			TimestampLocal: time.Now(), Payload: []byte(`{"pid":1}`),
			PayloadHash: "abc", SourceModule: "procmon",
		},
		TimestampReceived: time.Now(),
	}
	require.NoError(t, archive.Archive(context.Background(), []StoredEvent{ev}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresArchiveMapsFailureToStorageUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS event_archive").WillReturnResult(sqlmock.NewResult(0, 0))
	archive, err := NewPostgresArchive(db)
	require.NoError(t, err)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err = archive.Archive(context.Background(), []StoredEvent{{}})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStorageUnavailable), "transient failures map to storage_unavailable")
}
