// ABOUTME: SQLite lifecycle ledger using modernc.org/sqlite
// ABOUTME: Persists begin/join/resume/end events for auditing; never attribute values

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-conversations/internal/conversation"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("ledger entry not found")

// tsLayout is fixed width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one recorded lifecycle transition.
type Entry struct {
	ID             string
	ConversationID string
	ParentID       string
	ScopeID        string
	Type           conversation.EventType
	JoinMode       conversation.JoinMode
	EndingType     conversation.EndingType
	Temporary      bool
	LongRunning    bool
	AttributeNames []string // only for ended events
	Timestamp      time.Time
}

// Filter specifies filtering options for List.
type Filter struct {
	ConversationID *string
	Type           *conversation.EventType
	Since          *time.Time
	Limit          int // default 100, max 1000
}

// Ledger is the SQLite-backed lifecycle log.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens a ledger at path. Parent directories are created if
// needed and the schema is created if it doesn't exist.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("ledger initialized", "path", path)
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS lifecycle_events (
			event_id        TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			parent_id       TEXT,
			scope_id        TEXT,
			type            TEXT NOT NULL,
			join_mode       TEXT,
			ending_type     TEXT,
			temporary       INTEGER NOT NULL,
			long_running    INTEGER NOT NULL,
			attributes_json TEXT,
			ts              TEXT NOT NULL,

			CHECK (type IN ('begun', 'joined', 'resumed', 'ended'))
		);

		CREATE INDEX IF NOT EXISTS idx_lifecycle_conversation
			ON lifecycle_events(conversation_id, ts);

		CREATE INDEX IF NOT EXISTS idx_lifecycle_ts
			ON lifecycle_events(ts);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends an event. Attribute values are reduced to their names.
func (l *Ledger) Record(ctx context.Context, ev *conversation.Event) error {
	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var attrsJSON *string
	if ev.Type == conversation.EventEnded {
		names := make([]string, 0, len(ev.Attributes))
		for name := range ev.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		data, err := json.Marshal(names)
		if err != nil {
			return fmt.Errorf("marshaling attribute names: %w", err)
		}
		s := string(data)
		attrsJSON = &s
	}

	query := `
		INSERT INTO lifecycle_events (event_id, conversation_id, parent_id, scope_id, type, join_mode, ending_type, temporary, long_running, attributes_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, query,
		id,
		ev.ConversationID,
		nullString(ev.ParentID),
		nullString(ev.ScopeID),
		string(ev.Type),
		nullString(string(ev.JoinMode)),
		nullString(string(ev.EndingType)),
		boolToInt(ev.Temporary),
		boolToInt(ev.LongRunning),
		attrsJSON,
		ts.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting lifecycle event: %w", err)
	}

	l.logger.Debug("recorded lifecycle event",
		"event_id", id,
		"conversation_id", ev.ConversationID,
		"type", ev.Type)
	return nil
}

// Consume records events from ch until it closes or ctx is cancelled.
// Failures are logged and do not stop consumption.
func (l *Ledger) Consume(ctx context.Context, ch <-chan *conversation.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.Record(saveCtx, ev); err != nil {
				l.logger.Error("failed to record lifecycle event",
					"error", err,
					"event_id", ev.ID,
					"conversation_id", ev.ConversationID)
			}
			cancel()
		}
	}
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const selectColumns = `event_id, conversation_id, parent_id, scope_id, type, join_mode, ending_type, temporary, long_running, attributes_json, ts`

const getQuery = `SELECT ` + selectColumns + ` FROM lifecycle_events WHERE event_id = ?`

const listQuery = `SELECT ` + selectColumns + `
	FROM lifecycle_events
	WHERE (? IS NULL OR conversation_id = ?)
	  AND (? IS NULL OR type = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts ASC, rowid ASC
	LIMIT ?
`

// lifecycleRow mirrors a lifecycle_events row for sqlscan.
type lifecycleRow struct {
	EventID        string         `db:"event_id"`
	ConversationID string         `db:"conversation_id"`
	ParentID       sql.NullString `db:"parent_id"`
	ScopeID        sql.NullString `db:"scope_id"`
	Type           string         `db:"type"`
	JoinMode       sql.NullString `db:"join_mode"`
	EndingType     sql.NullString `db:"ending_type"`
	Temporary      int            `db:"temporary"`
	LongRunning    int            `db:"long_running"`
	AttributesJSON sql.NullString `db:"attributes_json"`
	TS             string         `db:"ts"`
}

// List returns entries matching the filter, oldest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	var typeStr, sinceStr *string
	if f.Type != nil {
		s := string(*f.Type)
		typeStr = &s
	}
	if f.Since != nil {
		s := f.Since.UTC().Format(tsLayout)
		sinceStr = &s
	}

	var rows []lifecycleRow
	err := sqlscan.Select(ctx, l.db, &rows, listQuery,
		f.ConversationID, f.ConversationID,
		typeStr, typeStr,
		sinceStr, sinceStr,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying lifecycle events: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Get returns a single entry by event id.
func (l *Ledger) Get(ctx context.Context, eventID string) (*Entry, error) {
	var r lifecycleRow
	err := sqlscan.Get(ctx, l.db, &r, getQuery, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying lifecycle event: %w", err)
	}
	e, err := r.entry()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r lifecycleRow) entry() (Entry, error) {
	e := Entry{
		ID:             r.EventID,
		ConversationID: r.ConversationID,
		ParentID:       r.ParentID.String,
		ScopeID:        r.ScopeID.String,
		Type:           conversation.EventType(r.Type),
		JoinMode:       conversation.JoinMode(r.JoinMode.String),
		EndingType:     conversation.EndingType(r.EndingType.String),
		Temporary:      r.Temporary != 0,
		LongRunning:    r.LongRunning != 0,
	}

	var err error
	e.Timestamp, err = time.Parse(tsLayout, r.TS)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if r.AttributesJSON.Valid {
		if err := json.Unmarshal([]byte(r.AttributesJSON.String), &e.AttributeNames); err != nil {
			return e, fmt.Errorf("unmarshaling attribute names: %w", err)
		}
	}
	return e, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
