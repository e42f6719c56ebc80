package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	SummaryPending   = "pending"
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

// Conversation is one voice connection's lifetime: created on connect,
// ended on disconnect, with its turns stored separately.
type Conversation struct {
	ID            string     `json:"id"`
	KeyName       string     `json:"key"`
	KeyHash       string     `json:"-"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Status        string     `json:"status"`
	Summary       string     `json:"summary"`
	SummaryStatus string     `json:"summary_status"`
	Turns         int        `json:"turns"`
}

// TurnRecord is one user utterance and the reply it produced.
type TurnRecord struct {
	Seq            int       `json:"seq"`
	UserText       string    `json:"user_text"`
	ReplyText      string    `json:"reply_text"`
	AudioSeconds   float64   `json:"audio_seconds"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "openclaw-voice.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			key_name TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			summary_status TEXT NOT NULL DEFAULT 'pending'
		);
	`); err != nil {
		return fmt.Errorf("create conversations table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			user_text TEXT NOT NULL,
			reply_text TEXT NOT NULL,
			audio_seconds REAL NOT NULL DEFAULT 0,
			elapsed_seconds REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create turns table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			key_hash TEXT NOT NULL,
			day TEXT NOT NULL,
			audio_seconds REAL NOT NULL DEFAULT 0,
			synth_chars INTEGER NOT NULL DEFAULT 0,
			turns INTEGER NOT NULL DEFAULT 0,
			UNIQUE(key_hash, day)
		);
	`); err != nil {
		return fmt.Errorf("create usage table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS summary_requests (
			conversation_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(conversation_id, prompt_hash)
		);
	`); err != nil {
		return fmt.Errorf("create summary_requests table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_conversations_started_at ON conversations(started_at)"); err != nil {
		return fmt.Errorf("create conversations index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq)"); err != nil {
		return fmt.Errorf("create turns index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateConversation(id, keyName, keyHash string, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("conversation id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO conversations(id, key_name, key_hash, started_at, status, summary_status) VALUES(?, ?, ?, ?, 'active', ?)`,
		id,
		keyName,
		keyHash,
		startedAt.UTC().Format(time.RFC3339Nano),
		SummaryPending,
	)
	if err != nil {
		return fmt.Errorf("create conversation %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) EndConversation(id string, endedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET ended_at = ?, status = 'ended' WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("end conversation %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end conversation rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) AppendTurn(conversationID string, rec TurnRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO turns(conversation_id, seq, user_text, reply_text, audio_seconds, elapsed_seconds, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		conversationID,
		rec.Seq,
		strings.TrimSpace(rec.UserText),
		rec.ReplyText,
		rec.AudioSeconds,
		rec.ElapsedSeconds,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append turn for conversation %s: %w", conversationID, err)
	}
	return nil
}

const conversationColumns = `
	c.id, c.key_name, c.key_hash, c.started_at, c.ended_at, c.status, c.summary, c.summary_status,
	(SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id) AS turns`

func (s *SQLiteStore) ConversationsByDate(date string) ([]Conversation, error) {
	rows, err := s.db.Query(
		`SELECT`+conversationColumns+`
		 FROM conversations c
		 WHERE substr(c.started_at, 1, 10) = ?
		 ORDER BY c.started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	return scanConversations(rows)
}

func (s *SQLiteStore) Dates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM conversations ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) Conversation(id string) (Conversation, error) {
	row := s.db.QueryRow(
		`SELECT`+conversationColumns+` FROM conversations c WHERE c.id = ?`,
		id,
	)

	conv, err := scanConversation(row.Scan)
	if err != nil {
		return Conversation{}, fmt.Errorf("query conversation %s: %w", id, err)
	}
	return conv, nil
}

func (s *SQLiteStore) Turns(conversationID string) ([]TurnRecord, error) {
	rows, err := s.db.Query(
		`SELECT seq, user_text, reply_text, audio_seconds, elapsed_seconds, created_at
		 FROM turns
		 WHERE conversation_id = ?
		 ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns for conversation %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]TurnRecord, 0, 16)
	for rows.Next() {
		var rec TurnRecord
		var created string
		if err := rows.Scan(&rec.Seq, &rec.UserText, &rec.ReplyText, &rec.AudioSeconds, &rec.ElapsedSeconds, &created); err != nil {
			return nil, fmt.Errorf("scan turn for conversation %s: %w", conversationID, err)
		}

		parsed, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse turn timestamp for conversation %s: %w", conversationID, err)
		}
		rec.CreatedAt = parsed

		turns = append(turns, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows for conversation %s: %w", conversationID, err)
	}

	return turns, nil
}

func (s *SQLiteStore) UpdateSummary(conversationID, summary, status string) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET summary = ?, summary_status = ? WHERE id = ?`,
		summary,
		status,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("update summary for conversation %s: %w", conversationID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update summary rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// ClaimSummaryRequest reports whether this caller is the first to claim
// the (conversation, prompt) pair, so a summary is generated once.
func (s *SQLiteStore) ClaimSummaryRequest(conversationID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO summary_requests(conversation_id, prompt_hash) VALUES(?, ?)`,
		conversationID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary request for conversation %s: %w", conversationID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}

	return rows > 0, nil
}

// AddUsage accumulates billable audio, synthesized characters, and turn
// counts for a key on a day.
func (s *SQLiteStore) AddUsage(keyHash, day string, audioSeconds float64, synthChars, turns int) error {
	_, err := s.db.Exec(
		`INSERT INTO usage(key_hash, day, audio_seconds, synth_chars, turns) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(key_hash, day) DO UPDATE SET
			audio_seconds = audio_seconds + excluded.audio_seconds,
			synth_chars = synth_chars + excluded.synth_chars,
			turns = turns + excluded.turns`,
		keyHash,
		day,
		audioSeconds,
		synthChars,
		turns,
	)
	if err != nil {
		return fmt.Errorf("add usage for key %s: %w", keyHash, err)
	}
	return nil
}

// MonthAudioSeconds sums a key's recorded audio for a month ("2006-01").
func (s *SQLiteStore) MonthAudioSeconds(keyHash, month string) (float64, error) {
	row := s.db.QueryRow(
		`SELECT COALESCE(SUM(audio_seconds), 0) FROM usage WHERE key_hash = ? AND substr(day, 1, 7) = ?`,
		keyHash,
		month,
	)

	var seconds float64
	if err := row.Scan(&seconds); err != nil {
		return 0, fmt.Errorf("query month usage for key %s: %w", keyHash, err)
	}
	return seconds, nil
}

func scanConversation(scan func(dest ...any) error) (Conversation, error) {
	var conv Conversation
	var startedAt string
	var endedAt sql.NullString
	if err := scan(&conv.ID, &conv.KeyName, &conv.KeyHash, &startedAt, &endedAt, &conv.Status, &conv.Summary, &conv.SummaryStatus, &conv.Turns); err != nil {
		return Conversation{}, err
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("parse started_at: %w", err)
	}
	conv.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Conversation{}, fmt.Errorf("parse ended_at: %w", err)
		}
		conv.EndedAt = &parsedEnd
	}

	return conv, nil
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	conversations := make([]Conversation, 0, 16)
	for rows.Next() {
		conv, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	return conversations, nil
}
