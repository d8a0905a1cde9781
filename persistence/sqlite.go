package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/milk9111/roomstream/common"
	"github.com/milk9111/roomstream/levels"
	"github.com/milk9111/roomstream/logging"
)

// ErrNoSession is returned by LoadSession when nothing was saved yet.
var ErrNoSession = errors.New("persistence: no saved session")

// Session is where the player was when the last transition finished.
type Session struct {
	Room    levels.RoomID
	Spawn   common.Pose
	SavedAt time.Time
}

// LoadRecord is one finished bundle load.
type LoadRecord struct {
	Room     levels.RoomID
	Outcome  string
	Duration time.Duration
	At       time.Time
}

// DB stores the resumable session and a journal of bundle loads. Journal
// writes go through a background writer so the update loop never waits on
// disk.
type DB struct {
	db  *sql.DB
	log logging.Logger

	ch     chan LoadRecord
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool
}

func Open(path string, log logging.Logger) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("persistence: empty db path")
	}
	if log == nil {
		log = logging.Noop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("persistence: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	d := &DB{
		db:  db,
		log: log.With(logging.String("component", "persistence")),
		ch:  make(chan LoadRecord, 1024),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("persistence: %s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			room TEXT NOT NULL,
			px REAL NOT NULL, py REAL NOT NULL, pz REAL NOT NULL,
			rx REAL NOT NULL, ry REAL NOT NULL, rz REAL NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS loads (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			room TEXT NOT NULL,
			outcome TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_loads_room ON loads(room, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("persistence: schema: %w", err)
		}
	}
	return nil
}

func (d *DB) Close() error {
	var err error
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
		err = d.db.Close()
	})
	return err
}

func (d *DB) SaveSession(ctx context.Context, s Session) error {
	if !s.Room.Valid() {
		return fmt.Errorf("persistence: save session: invalid room %d", uint8(s.Room))
	}
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now()
	}
	p, r := s.Spawn.Position, s.Spawn.Rotation
	_, err := d.db.ExecContext(ctx, `INSERT INTO session (id, room, px, py, pz, rx, ry, rz, saved_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET room=excluded.room,
			px=excluded.px, py=excluded.py, pz=excluded.pz,
			rx=excluded.rx, ry=excluded.ry, rz=excluded.rz,
			saved_at=excluded.saved_at`,
		s.Room.String(), p.X, p.Y, p.Z, r.X, r.Y, r.Z, s.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persistence: save session: %w", err)
	}
	return nil
}

func (d *DB) LoadSession(ctx context.Context) (Session, error) {
	var (
		s       Session
		room    string
		savedAt string
	)
	p, r := &s.Spawn.Position, &s.Spawn.Rotation
	row := d.db.QueryRowContext(ctx, `SELECT room, px, py, pz, rx, ry, rz, saved_at FROM session WHERE id = 1`)
	if err := row.Scan(&room, &p.X, &p.Y, &p.Z, &r.X, &r.Y, &r.Z, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("persistence: load session: %w", err)
	}
	id, err := levels.ParseRoomID(room)
	if err != nil {
		return Session{}, fmt.Errorf("persistence: load session: %w", err)
	}
	s.Room = id
	s.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	return s, nil
}

// ClearSession forgets the saved session.
func (d *DB) ClearSession(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM session`); err != nil {
		return fmt.Errorf("persistence: clear session: %w", err)
	}
	return nil
}

// RecordLoad queues a journal entry. It never blocks; entries are dropped if
// the writer falls behind.
func (d *DB) RecordLoad(rec LoadRecord) {
	if d == nil || d.closed.Load() {
		return
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	select {
	case d.ch <- rec:
	default:
		d.log.Warn(context.Background(), "load journal full, dropping entry", logging.Room(rec.Room))
	}
}

// LoadHistory returns up to limit journal entries for room, newest first.
func (d *DB) LoadHistory(ctx context.Context, room levels.RoomID, limit int) ([]LoadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `SELECT outcome, duration_ms, at FROM loads WHERE room = ? ORDER BY seq DESC LIMIT ?`, room.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: load history: %w", err)
	}
	defer rows.Close()

	var out []LoadRecord
	for rows.Next() {
		var (
			rec LoadRecord
			ms  int64
			at  string
		)
		if err := rows.Scan(&rec.Outcome, &ms, &at); err != nil {
			return nil, fmt.Errorf("persistence: load history: %w", err)
		}
		rec.Room = room
		rec.Duration = time.Duration(ms) * time.Millisecond
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *DB) loop() {
	for rec := range d.ch {
		_, err := d.db.Exec(`INSERT INTO loads (room, outcome, duration_ms, at) VALUES (?, ?, ?, ?)`,
			rec.Room.String(), rec.Outcome, rec.Duration.Milliseconds(), rec.At.UTC().Format(time.RFC3339Nano))
		if err != nil {
			d.log.Error(context.Background(), "journal write failed", logging.Room(rec.Room), logging.Err(err))
		}
	}
}
