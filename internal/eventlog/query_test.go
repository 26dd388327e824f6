package eventlog

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var queryColumns = []string{
	"timestamp", "event_name", "originator_id", "construct_id",
	"correlation_id", "event_id", "request_id", "session_id", "status",
	"file_path", "file_offset", "payload_refs",
}

func TestQueryMetadataTranslatesGlobsToLike(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := &Log{db: db}

	rows := sqlmock.NewRows(queryColumns).
		AddRow(1700000000.5, "completion:result", "agent-1", "", "corr-1", "ev-1", "req-1", "s1", "success",
			"/var/logs/events/2023-11-14/events.jsonl", int64(0), `{"response":"<ref:/var/logs/responses/s1.jsonl>"}`)

	mock.ExpectQuery(`SELECT .+ FROM events WHERE 1=1 AND \(event_name LIKE \?\) AND session_id = \? ORDER BY timestamp DESC LIMIT \?`).
		WithArgs("completion:%", "s1", 10).
		WillReturnRows(rows)

	out, err := l.QueryMetadata(QueryOptions{
		EventPatterns: []string{"completion:*"},
		SessionID:     "s1",
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "completion:result", out[0].EventName)
	require.Equal(t, "<ref:/var/logs/responses/s1.jsonl>", out[0].PayloadRefs["response"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryMetadataTimeBounds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := &Log{db: db}

	mock.ExpectQuery(`SELECT .+ FROM events WHERE 1=1 AND timestamp >= \? AND timestamp <= \? ORDER BY timestamp DESC`).
		WithArgs(100.0, 200.0).
		WillReturnRows(sqlmock.NewRows(queryColumns))

	out, err := l.QueryMetadata(QueryOptions{StartTime: 100, EndTime: 200})
	require.NoError(t, err)
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}
