package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"medvault/internal/port"
)

const (
	trailFileName = "audit_trail.jsonl"

	// maxErrorLen caps stored error messages.
	maxErrorLen = 500
)

// Event is one line of the append-only audit trail. Query text, user
// IDs and record IDs are stored as truncated SHA-256 digests only.
// Optional fields belong to specific event types and stay empty
// elsewhere.
type Event struct {
	EventType string    `json:"event_type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	QueryID     string            `json:"query_id,omitempty"`
	UserIDHash  string            `json:"user_id_hash,omitempty"`
	QueryHash   string            `json:"query_hash,omitempty"`
	QueryLength int               `json:"query_length,omitempty"`
	Action      string            `json:"action,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	NumResults *int     `json:"num_results,omitempty"`
	LatencyMS  *float64 `json:"latency_ms,omitempty"`
	Success    *bool    `json:"success,omitempty"`

	RecordCount    int      `json:"record_count,omitempty"`
	RecordIDHashes []string `json:"record_ids_hash,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Method string `json:"method,omitempty"`
}

// Logger maintains the audit trail: who queried, what came back, which
// records were touched, and what failed. Every write is synchronous and
// append-only. A logger that cannot write raises the alerter but never
// fails the operation being audited.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	sessionID string

	alerter port.Alerter
	log     *slog.Logger
}

// New opens the audit trail under logDir, generates a session ID and
// records the session start. A nil alerter disables alerting.
func New(logDir string, alerter port.Alerter, log *slog.Logger) (*Logger, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	path := filepath.Join(logDir, trailFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		file:      file,
		path:      path,
		sessionID: hashPII(time.Now().UTC().Format(time.RFC3339Nano)),
		alerter:   alerter,
		log:       log.With("component", "audit"),
	}

	l.write(Event{
		EventType: "session_start",
		SessionID: l.sessionID,
		Timestamp: time.Now().UTC(),
	})
	l.log.Info("audit trail opened", "session_id", l.sessionID, "path", path)
	return l, nil
}

func (l *Logger) SessionID() string { return l.sessionID }

// LogQuery records an incoming query and returns its query ID, which
// callers pass to LogResponse or LogError to complete the trail.
func (l *Logger) LogQuery(userID, query string, metadata map[string]string) string {
	now := time.Now().UTC()
	queryID := hashPII(userID + now.Format(time.RFC3339Nano) + l.sessionID)

	l.write(Event{
		EventType:   "query",
		SessionID:   l.sessionID,
		Timestamp:   now,
		QueryID:     queryID,
		UserIDHash:  hashPII(userID),
		QueryHash:   hashPII(query),
		QueryLength: len(query),
		Metadata:    metadata,
		Action:      "search_encrypted_index",
	})
	return queryID
}

// LogResponse records the outcome for a previously logged query.
func (l *Logger) LogResponse(queryID string, numResults int, latencyMS float64, success bool) {
	l.write(Event{
		EventType:  "response",
		SessionID:  l.sessionID,
		Timestamp:  time.Now().UTC(),
		QueryID:    queryID,
		NumResults: &numResults,
		LatencyMS:  &latencyMS,
		Success:    &success,
		Action:     "return_encrypted_results",
	})
}

// LogDataAccess records which records a user touched. IDs are hashed
// even though anon IDs already are; the trail never assumes its inputs
// were sanitized.
func (l *Logger) LogDataAccess(userID string, recordIDs []string, action string) {
	hashes := make([]string, len(recordIDs))
	for i, id := range recordIDs {
		hashes[i] = hashPII(id)
	}
	l.write(Event{
		EventType:      "data_access",
		SessionID:      l.sessionID,
		Timestamp:      time.Now().UTC(),
		UserIDHash:     hashPII(userID),
		RecordCount:    len(recordIDs),
		RecordIDHashes: hashes,
		Action:         action,
	})
}

// LogError records a failure against the query that produced it. The
// message is truncated; it must already be free of clinical text.
func (l *Logger) LogError(queryID, errorType, message string) {
	if len(message) > maxErrorLen {
		message = message[:maxErrorLen]
	}
	l.write(Event{
		EventType:    "error",
		SessionID:    l.sessionID,
		Timestamp:    time.Now().UTC(),
		QueryID:      queryID,
		ErrorType:    errorType,
		ErrorMessage: message,
	})
}

// LogAuthentication records an authentication attempt.
func (l *Logger) LogAuthentication(userID string, success bool, method string) {
	l.write(Event{
		EventType:  "authentication",
		SessionID:  l.sessionID,
		Timestamp:  time.Now().UTC(),
		UserIDHash: hashPII(userID),
		Success:    &success,
		Method:     method,
	})
}

// write appends one event. Audit writes are best effort: a failing
// trail alerts loudly but does not abort the audited operation.
func (l *Logger) write(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		l.alert("failed to encode audit event", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.alert("failed to append audit event", err)
	}
}

func (l *Logger) alert(message string, err error) {
	l.log.Error(message, "error", err)
	if l.alerter != nil {
		l.alerter.Alert("audit", message, err)
	}
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// hashPII returns the truncated hex SHA-256 of potentially identifying
// data, matching the anon ID length used across the pipeline.
func hashPII(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:16]
}

// Summary is the aggregated compliance view over the audit trail.
type Summary struct {
	Message        string         `json:"message,omitempty"`
	TotalEvents    int            `json:"total_events"`
	TimeRange      TimeRange      `json:"time_range"`
	EventBreakdown map[string]int `json:"event_breakdown,omitempty"`
	Queries        QueryStats     `json:"queries"`
	Responses      ResponseStats  `json:"responses"`
	Errors         ErrorStats     `json:"errors"`
	Compliance     Compliance     `json:"compliance_status"`
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type QueryStats struct {
	Total          int     `json:"total"`
	AvgQueryLength float64 `json:"avg_query_length"`
}

type ResponseStats struct {
	Total        int     `json:"total"`
	Successful   int     `json:"successful"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	AvgResults   float64 `json:"avg_results"`
}

type ErrorStats struct {
	Total int            `json:"total"`
	Types map[string]int `json:"types,omitempty"`
}

// Compliance flags whether the trail is complete: every logged query
// must have a logged outcome.
type Compliance struct {
	CompleteTrail      bool `json:"complete_trail"`
	AllQueriesLogged   bool `json:"all_queries_logged"`
	AllResponsesLogged bool `json:"all_responses_logged"`
}

// Summary reads the trail back from disk and aggregates events at or
// after since. Pass the zero time for the full trail. Malformed lines
// are skipped rather than failing the report.
func (l *Logger) Summary(since time.Time) (Summary, error) {
	events, err := l.readEvents(since)
	if err != nil {
		return Summary{}, err
	}
	if len(events) == 0 {
		return Summary{Message: "no audit events in range"}, nil
	}

	s := Summary{
		TotalEvents:    len(events),
		TimeRange:      TimeRange{Start: events[0].Timestamp, End: events[len(events)-1].Timestamp},
		EventBreakdown: make(map[string]int),
		Errors:         ErrorStats{Types: make(map[string]int)},
	}

	var queryLengthSum int
	var latencySum, resultsSum float64
	for _, e := range events {
		s.EventBreakdown[e.EventType]++
		switch e.EventType {
		case "query":
			s.Queries.Total++
			queryLengthSum += e.QueryLength
		case "response":
			s.Responses.Total++
			if e.Success != nil && *e.Success {
				s.Responses.Successful++
			}
			if e.LatencyMS != nil {
				latencySum += *e.LatencyMS
			}
			if e.NumResults != nil {
				resultsSum += float64(*e.NumResults)
			}
		case "error":
			s.Errors.Total++
			s.Errors.Types[e.ErrorType]++
		}
	}

	if s.Queries.Total > 0 {
		s.Queries.AvgQueryLength = float64(queryLengthSum) / float64(s.Queries.Total)
	}
	if s.Responses.Total > 0 {
		s.Responses.AvgLatencyMS = latencySum / float64(s.Responses.Total)
		s.Responses.AvgResults = resultsSum / float64(s.Responses.Total)
	}

	// Errors complete the trail too: a query that failed and was logged
	// as an error still has a recorded outcome.
	s.Compliance = Compliance{
		CompleteTrail:      s.Queries.Total == s.Responses.Total+s.Errors.Total,
		AllQueriesLogged:   s.Queries.Total > 0,
		AllResponsesLogged: s.Responses.Total > 0,
	}
	return s, nil
}

// ExportReport writes the regulatory review report: summary first, then
// the detailed trail, filtered to events at or after since.
func (l *Logger) ExportReport(w io.Writer, since time.Time) error {
	summary, err := l.Summary(since)
	if err != nil {
		return err
	}

	divider := "======================================================================"
	fmt.Fprintln(w, divider)
	fmt.Fprintln(w, "AUDIT REPORT")
	fmt.Fprintln(w, "Encrypted Clinical Vector Index")
	fmt.Fprintln(w, divider)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Session ID: %s\n\n", l.sessionID)

	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	w.Write(summaryJSON)
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	fmt.Fprintln(w, divider)
	fmt.Fprintln(w, "DETAILED AUDIT TRAIL")
	fmt.Fprintln(w, divider)
	fmt.Fprintln(w)

	events, err := l.readEvents(since)
	if err != nil {
		return err
	}
	for _, e := range events {
		entry, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			continue
		}
		w.Write(entry)
		fmt.Fprintln(w)
		fmt.Fprintln(w)
	}
	return nil
}

func (l *Logger) readEvents(since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
