package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ticbet/room-sync/internal/domain"
)

// PostgresStore implements RoomStore and EventLog on a pgx pool, for
// deployments where the Hub-side registry persists rooms centrally.
type PostgresStore struct {
	db *pgxpool.Pool
}

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

// NewPostgresStore creates the pool, pings it and prepares the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		if pc.ConnConfig.RuntimeParams == nil {
			pc.ConnConfig.RuntimeParams = map[string]string{}
		}
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{db: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rooms (
			id             TEXT PRIMARY KEY,
			bet_amount     DOUBLE PRECISION NOT NULL,
			players        JSONB NOT NULL DEFAULT '[]',
			present        JSONB NOT NULL DEFAULT '[]',
			board          JSONB NOT NULL,
			current_player TEXT NOT NULL DEFAULT '',
			game_state     TEXT NOT NULL,
			winner         TEXT NOT NULL DEFAULT '',
			external_ref   TEXT NOT NULL DEFAULT '',
			tx_ref         TEXT NOT NULL DEFAULT '',
			created_at     BIGINT NOT NULL,
			updated_at     BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_events (
			seq        BIGSERIAL PRIMARY KEY,
			type       TEXT NOT NULL,
			room_id    TEXT NOT NULL DEFAULT '',
			sender_id  TEXT NOT NULL DEFAULT '',
			payload    JSONB NOT NULL,
			created_at BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rooms_state ON rooms(game_state);
		CREATE INDEX IF NOT EXISTS idx_events_created ON sync_events(created_at);
	`)
	return err
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) SaveRoom(ctx context.Context, room *domain.Room) error {
	row, err := encodeRoom(room)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO rooms
			(id, bet_amount, players, present, board, current_player,
			 game_state, winner, external_ref, tx_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
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
		WHERE rooms.updated_at <= excluded.updated_at`,
		row.id, row.betAmount, row.players, row.present, row.board,
		row.currentPlayer, row.gameState, row.winner, row.externalRef,
		row.txRef, row.createdAt, row.updatedAt,
	)
	return err
}

const pgRoomColumns = `id, bet_amount, players::text, present::text, board::text,
	current_player, game_state, winner, external_ref, tx_ref, created_at, updated_at`

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	room, err := scanRoom(s.db.QueryRow(ctx,
		`SELECT `+pgRoomColumns+` FROM rooms WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	return room, err
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+pgRoomColumns+` FROM rooms ORDER BY created_at DESC, id DESC`)
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

func (s *PostgresStore) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time, finishedTTL, activeTTL time.Duration) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		DELETE FROM rooms
		WHERE (game_state = 'finished' AND created_at < $1)
		   OR (game_state != 'finished' AND created_at < $2)
		RETURNING id`,
		now.Add(-finishedTTL).UnixNano(), now.Add(-activeTTL).UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev domain.SyncEvent) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	var seq int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO sync_events (type, room_id, sender_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		string(ev.Type), ev.Key(), ev.SenderID, string(payload), ev.Timestamp.UnixNano(),
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) EventsAfter(ctx context.Context, seq int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT seq, payload::text FROM sync_events
		WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, seq, limit)
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

func (s *PostgresStore) LatestSeq(ctx context.Context) (int64, error) {
	var seq *int64
	if err := s.db.QueryRow(ctx, `SELECT MAX(seq) FROM sync_events`).Scan(&seq); err != nil {
		return 0, err
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

func (s *PostgresStore) PruneEvents(ctx context.Context, before time.Time) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM sync_events WHERE created_at < $1`, before.UnixNano())
	return err
}
