package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "pewbridge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const messageColumns = `n_o, id, from_jid, sender_jid, timestamp, content, media, media_type,
	session_id, user_id, is_view_once, from_me, created_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cfg Config

	opCount    atomic.Uint64
	pruneEvery uint64
	tombTTL    time.Duration

	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite prefers a single writer; this also keeps temp tables and the
	// in-memory database on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := &sqliteStore{
		db:         db,
		log:        log,
		cfg:        cfg,
		pruneEvery: 500,
		tombTTL:    7 * 24 * time.Hour,
		now:        time.Now,
	}

	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func (s *sqliteStore) CountMessages(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func (s *sqliteStore) SaveMessages(ctx context.Context, recs []Record) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if err := s.rebuildIfNeeded(ctx); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	saved := 0
	for _, r := range recs {
		if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Conversation) == "" {
			continue
		}
		if !ValidTimestamp(r.Timestamp, now) {
			s.log.Debug("skipping message with invalid timestamp",
				logx.String("id", r.ID), logx.Int64("timestamp", r.Timestamp))
			continue
		}
		if r.Session == "" {
			r.Session = "unknown"
		}
		ok, err := s.admit(ctx, tx, r)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if err := upsertMessage(ctx, tx, r, now); err != nil {
			return 0, fmt.Errorf("save message %s: %w", r.ID, err)
		}
		saved++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, _ = s.PruneTombstones(pctx, now.Add(-s.tombTTL).UnixMilli())
		cancel()
	}
	return saved, nil
}

// admit applies tombstones and the writer policy.
func (s *sqliteStore) admit(ctx context.Context, tx *sql.Tx, r Record) (bool, error) {
	var dead int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deleted_messages WHERE id = ? AND session_id = ?`,
		r.ID, r.Session).Scan(&dead)
	if err != nil {
		return false, err
	}
	if dead > 0 {
		return false, nil
	}

	var total, own int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN session_id = ? THEN 1 ELSE 0 END), 0)
		 FROM messages WHERE id = ?`,
		r.Session, r.ID).Scan(&total, &own)
	if err != nil {
		return false, err
	}
	if own > 0 {
		return true, nil
	}
	if limit := s.cfg.Writers.Cap(r.Session); total >= limit {
		s.log.Debug("writer cap reached, skipping message",
			logx.String("id", r.ID), logx.String("session", r.Session), logx.Int("cap", limit))
		return false, nil
	}
	return true, nil
}

func upsertMessage(ctx context.Context, tx *sql.Tx, r Record, now time.Time) error {
	var media any
	if r.Media != nil {
		b, err := json.Marshal(r.Media)
		if err != nil {
			return err
		}
		media = string(b)
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	userID := r.UserID
	if userID == "" {
		userID = "unknown"
	}
	sender := r.Sender
	if sender == "" {
		sender = r.Conversation
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, from_jid, sender_jid, timestamp, content, media, media_type,
		                       session_id, user_id, is_view_once, from_me, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id, session_id) DO UPDATE SET
		     content = excluded.content,
		     media = excluded.media,
		     media_type = excluded.media_type,
		     user_id = excluded.user_id,
		     is_view_once = excluded.is_view_once,
		     from_me = excluded.from_me`,
		r.ID, r.Conversation, sender, r.Timestamp, nullStr(r.Content), media, nullStr(r.MediaType()),
		r.Session, userID, boolInt(r.ViewOnce), boolInt(r.FromMe), created.UnixMilli(),
	)
	return err
}

// rebuildIfNeeded keeps only the newest rows once the table grows past the
// threshold, and restarts the ordering sequence.
func (s *sqliteStore) rebuildIfNeeded(ctx context.Context) error {
	n, err := s.CountMessages(ctx)
	if err != nil {
		return err
	}
	if n <= s.cfg.RebuildThreshold {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DROP TABLE IF EXISTS temp.messages_keep`,
		fmt.Sprintf(`CREATE TEMP TABLE messages_keep AS
		  SELECT * FROM messages ORDER BY timestamp DESC, n_o DESC LIMIT %d`, s.cfg.RebuildKeep),
		`DELETE FROM messages`,
		`DELETE FROM sqlite_sequence WHERE name = 'messages'`,
		`INSERT INTO messages (id, from_jid, sender_jid, timestamp, content, media, media_type,
		                        session_id, user_id, is_view_once, from_me, created_at)
		  SELECT id, from_jid, sender_jid, timestamp, content, media, media_type,
		         session_id, user_id, is_view_once, from_me, created_at
		  FROM temp.messages_keep ORDER BY timestamp, created_at, n_o`,
		`DROP TABLE temp.messages_keep`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("rebuild messages: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("messages table rebuilt",
		logx.Int("rows_before", n), logx.Int("kept", min(n, s.cfg.RebuildKeep)))
	return nil
}

// Renumber reassigns n_o as 1..N ordered by timestamp, created_at, n_o and
// moves the autoincrement sequence to N.
func (s *sqliteStore) Renumber(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := renumberTx(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func renumberTx(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`DROP TABLE IF EXISTS temp.messages_renumber`,
		`CREATE TEMP TABLE messages_renumber AS
		 SELECT n_o AS old_no, ROW_NUMBER() OVER (ORDER BY timestamp, created_at, n_o) AS new_no
		 FROM messages`,
		// Negative first so the primary key never collides mid-update.
		`UPDATE messages SET n_o = -(SELECT new_no FROM temp.messages_renumber WHERE old_no = messages.n_o)`,
		`UPDATE messages SET n_o = -n_o`,
		`UPDATE sqlite_sequence SET seq = (SELECT COALESCE(MAX(n_o), 0) FROM messages) WHERE name = 'messages'`,
		`DROP TABLE temp.messages_renumber`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("renumber messages: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) LoadMessages(ctx context.Context) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY timestamp DESC, n_o DESC LIMIT ?`,
		s.cfg.LoadLimit)
	if err != nil {
		return nil, err
	}
	all, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(all))
	out := all[:0]
	for _, r := range all {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

func (s *sqliteStore) FindMessage(ctx context.Context, id, session string) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrDisabled
	}
	if id == "" {
		return Record{}, ErrNotFound
	}
	q := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	args := []any{id}
	if session != "" {
		q += ` AND session_id = ?`
		args = append(args, session)
	}
	q += ` ORDER BY timestamp DESC, n_o DESC LIMIT 1`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Record{}, err
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *sqliteStore) DeleteMessages(ctx context.Context, id, session string) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if id == "" {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	q := `DELETE FROM messages WHERE id = ?`
	args := []any{id}
	if session != "" {
		q += ` AND session_id = ?`
		args = append(args, session)
	}
	q += ` RETURNING ` + messageColumns
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	deleted, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, nil
	}

	at := s.now().UnixMilli()
	for i := range deleted {
		deleted[i].Deleted = true
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deleted_messages (id, session_id, deleted_at) VALUES (?,?,?)
			 ON CONFLICT (id, session_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
			deleted[i].ID, deleted[i].Session, at); err != nil {
			return nil, err
		}
	}
	if err := renumberTx(ctx, tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *sqliteStore) MessagesBySender(ctx context.Context, q SenderQuery) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE sender_jid = ?`
	args := []any{q.Sender}
	if q.Session != "" {
		query += ` AND session_id = ?`
		args = append(args, q.Session)
	}
	if q.From > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, q.From)
	}
	if q.To > 0 {
		query += ` AND timestamp <= ?`
		args = append(args, q.To)
	}
	query += ` ORDER BY timestamp DESC, n_o DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *sqliteStore) PutTombstones(ctx context.Context, ts []Tombstone) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(ts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, t := range ts {
		at := t.DeletedAt
		if at.IsZero() {
			at = s.now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deleted_messages (id, session_id, deleted_at) VALUES (?,?,?)
			 ON CONFLICT (id, session_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
			t.ID, t.Session, at.UnixMilli()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE id = ? AND session_id = ?`, t.ID, t.Session); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) IsTombstoned(ctx context.Context, id, session string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deleted_messages WHERE id = ? AND session_id = ?`, id, session).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) PruneTombstones(ctx context.Context, olderThan int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM deleted_messages WHERE deleted_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) GetSetting(ctx context.Context, category string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE category = ?`, category).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(v), true, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, category string, value []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if !json.Valid(value) {
		return fmt.Errorf("setting %q: value is not valid JSON", category)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_settings (category, value, updated_at) VALUES (?,?,?)
		 ON CONFLICT (category) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		category, string(value), s.now().UnixMilli())
	return err
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r         Record
			content   sql.NullString
			media     sql.NullString
			mediaType sql.NullString
			viewOnce  int
			fromMe    int
			created   int64
		)
		if err := rows.Scan(&r.Seq, &r.ID, &r.Conversation, &r.Sender, &r.Timestamp,
			&content, &media, &mediaType, &r.Session, &r.UserID, &viewOnce, &fromMe, &created); err != nil {
			return nil, err
		}
		r.Content = content.String
		if media.Valid && media.String != "" {
			var m Media
			if err := json.Unmarshal([]byte(media.String), &m); err == nil {
				r.Media = &m
			}
		}
		if r.Media == nil && mediaType.Valid && mediaType.String != "" {
			r.Media = &Media{Type: mediaType.String}
		}
		r.ViewOnce = viewOnce != 0
		r.FromMe = fromMe != 0
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
