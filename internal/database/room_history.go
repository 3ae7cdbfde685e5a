package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/hostrelay/internal/models"
)

// RoomHistoryStore persists room lifecycle events. Rooms are keyed by (code, host)
// since codes are reused once a room closes.
type RoomHistoryStore struct {
	Pool *pgxpool.Pool
}

// WriteRoomEvents stores a batch of events in a single transaction.
func (s *RoomHistoryStore) WriteRoomEvents(ctx context.Context, events []models.RoomEvent) error {
	return pgx.BeginTxFunc(ctx, s.Pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, ev := range events {
			if err := insertRoomEventTx(ctx, tx, ev); err != nil {
				return fmt.Errorf("insert %s event for room %s: %w", ev.Kind, ev.RoomCode, err)
			}
		}
		return nil
	})
}

func insertRoomEventTx(ctx context.Context, tx pgx.Tx, ev models.RoomEvent) error {
	at := time.UnixMilli(ev.Timestamp).UTC()

	var playerID *uuid.UUID
	if ev.PlayerID != uuid.Nil {
		playerID = &ev.PlayerID
	}

	insertQ := `
		INSERT INTO room_events (
			room_code, host_id, kind, player_id, player_name, player_count, reason, occurred_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8)
	`
	if _, err := tx.Exec(ctx, insertQ,
		ev.RoomCode, ev.HostID, ev.Kind, playerID, ev.PlayerName, ev.PlayerCount, ev.Reason, at,
	); err != nil {
		return err
	}

	switch ev.Kind {
	case models.EventRoomCreated:
		q := `
			INSERT INTO room_sessions (room_code, host_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (room_code, host_id) DO NOTHING
		`
		_, err := tx.Exec(ctx, q, ev.RoomCode, ev.HostID, at)
		return err
	case models.EventPlayerJoined:
		q := `
			UPDATE room_sessions
			SET peak_players = GREATEST(peak_players, $3)
			WHERE room_code = $1 AND host_id = $2 AND ended_at IS NULL
		`
		_, err := tx.Exec(ctx, q, ev.RoomCode, ev.HostID, ev.PlayerCount)
		return err
	case models.EventRoomClosed:
		q := `
			UPDATE room_sessions
			SET ended_at = $3, end_reason = $4
			WHERE room_code = $1 AND host_id = $2 AND ended_at IS NULL
		`
		_, err := tx.Exec(ctx, q, ev.RoomCode, ev.HostID, at, ev.Reason)
		return err
	}
	return nil
}
