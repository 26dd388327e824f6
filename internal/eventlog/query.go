package eventlog

import (
	"encoding/json"
	"strings"
)

// QueryOptions filters query_metadata.
type QueryOptions struct {
	EventPatterns []string
	OriginatorID  string
	SessionID     string
	CorrelationID string
	StartTime     float64
	EndTime       float64
	Limit         int
}

// Row is one hydrated metadata row.
type Row struct {
	Timestamp     float64
	EventName     string
	OriginatorID  string
	ConstructID   string
	CorrelationID string
	EventID       string
	RequestID     string
	SessionID     string
	Status        string
	FilePath      string
	FileOffset    int64
	PayloadRefs   map[string]string
}

// QueryMetadata runs opts against the SQLite index and returns
// newest-first rows, translating glob patterns to SQL LIKE.
func (l *Log) QueryMetadata(opts QueryOptions) ([]Row, error) {
	q := "SELECT timestamp, event_name, originator_id, construct_id, correlation_id, event_id, request_id, session_id, status, file_path, file_offset, payload_refs FROM events WHERE 1=1"
	var args []any

	if len(opts.EventPatterns) > 0 {
		clauses := make([]string, 0, len(opts.EventPatterns))
		for _, p := range opts.EventPatterns {
			clauses = append(clauses, "event_name LIKE ?")
			args = append(args, globToLike(p))
		}
		q += " AND (" + strings.Join(clauses, " OR ") + ")"
	}
	if opts.OriginatorID != "" {
		q += " AND originator_id = ?"
		args = append(args, opts.OriginatorID)
	}
	if opts.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.CorrelationID != "" {
		q += " AND correlation_id = ?"
		args = append(args, opts.CorrelationID)
	}
	if opts.StartTime > 0 {
		q += " AND timestamp >= ?"
		args = append(args, opts.StartTime)
	}
	if opts.EndTime > 0 {
		q += " AND timestamp <= ?"
		args = append(args, opts.EndTime)
	}
	q += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var refsJSON string
		if err := rows.Scan(&r.Timestamp, &r.EventName, &r.OriginatorID, &r.ConstructID,
			&r.CorrelationID, &r.EventID, &r.RequestID, &r.SessionID, &r.Status,
			&r.FilePath, &r.FileOffset, &refsJSON); err != nil {
			return nil, err
		}
		if refsJSON != "" {
			_ = json.Unmarshal([]byte(refsJSON), &r.PayloadRefs)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// globToLike converts a "*"-suffixed glob into a SQL LIKE pattern.
func globToLike(pattern string) string {
	return strings.ReplaceAll(pattern, "*", "%")
}
