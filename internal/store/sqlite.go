package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ticbet/room-sync/internal/domain"
)

// SQLiteStore implements RoomStore and EventLog on modernc.org/sqlite
// (pure Go). It backs the persisted "global rooms" table that same-host
// sessions share, and the sync event relay log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and prepares the
// schema. WAL mode keeps concurrent readers from blocking writers.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id             TEXT PRIMARY KEY,
		bet_amount     REAL NOT NULL,
		players        TEXT NOT NULL DEFAULT '[]',
		present        TEXT NOT NULL DEFAULT '[]',
		board          TEXT NOT NULL,
		current_player TEXT NOT NULL DEFAULT '',
		game_state     TEXT NOT NULL,
		winner         TEXT NOT NULL DEFAULT '',
		external_ref   TEXT NOT NULL DEFAULT '',
		tx_ref         TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		type       TEXT NOT NULL,
		room_id    TEXT NOT NULL DEFAULT '',
		sender_id  TEXT NOT NULL DEFAULT '',
		payload    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_state ON rooms(game_state);
	CREATE INDEX IF NOT EXISTS idx_events_created ON sync_events(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveRoom(ctx context.Context, room *domain.Room) error {
	row, err := encodeRoom(room)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms
			(id, bet_amount, players, present, board, current_player,
			 game_state, winner, external_ref, tx_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bet_amount     = excluded.bet_amount,
			players        = excluded.players,
			present        = excluded.present,
			board          = excluded.board,
			current_player = excluded.current_player,
			game_state     = excluded.game_state,
			winner         = excluded.winner,
			external_ref   = excluded.external_ref,
			tx_ref         = excluded.tx_ref,
			created_at     = excluded.created_at,
			updated_at     = excluded.updated_at
		WHERE excluded.updated_at >= rooms.updated_at`,
		row.id, row.betAmount, row.players, row.present, row.board,
		row.currentPlayer, row.gameState, row.winner, row.externalRef,
		row.txRef, row.createdAt, row.updatedAt,
	)
	return err
}

const roomColumns = `id, bet_amount, players, present, board, current_player,
	game_state, winner, external_ref, tx_ref, created_at, updated_at`

func scanRoom(sc interface{ Scan(...any) error }) (*domain.Room, error) {
	var row roomRow
	if err := sc.Scan(
		&row.id, &row.betAmount, &row.players, &row.present, &row.board,
		&row.currentPlayer, &row.gameState, &row.winner, &row.externalRef,
		&row.txRef, &row.createdAt, &row.updatedAt,
	); err != nil {
		return nil, err
	}
	return row.decode()
}

func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	room, err := scanRoom(s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	return room, err
}

func (s *SQLiteStore) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM rooms ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time, finishedTTL, activeTTL time.Duration) ([]string, error) {
	finishedCutoff := now.Add(-finishedTTL).UnixNano()
	activeCutoff := now.Add(-activeTTL).UnixNano()

	const cond = `(game_state = 'finished' AND created_at < ?)
		OR (game_state != 'finished' AND created_at < ?)`

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM rooms WHERE `+cond, finishedCutoff, activeCutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM rooms WHERE `+cond, finishedCutoff, activeCutoff); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev domain.SyncEvent) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_events (type, room_id, sender_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(ev.Type), ev.Key(), ev.SenderID, string(payload), ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) EventsAfter(ctx context.Context, seq int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload FROM sync_events
		WHERE seq > ? ORDER BY seq ASC LIMIT ?`, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var se StoredEvent
		var payload string
		if err := rows.Scan(&se.Seq, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &se.Event); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", se.Seq, err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM sync_events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE created_at < ?`, before.UnixNano())
	return err
}
