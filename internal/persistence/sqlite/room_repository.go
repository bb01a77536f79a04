package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/roombook/internal/persistence"
)

const roomColumns = `id, name, capacity, created_at, updated_at`

// RoomRepository implements persistence.RoomRepository using SQLite
type RoomRepository struct {
	db querier
}

// NewRoomRepository creates a new SQLite room repository
func NewRoomRepository(pool *ConnectionPool) *RoomRepository {
	return &RoomRepository{db: pool.DB()}
}

// CreateRoom inserts a new room into the database
func (r *RoomRepository) CreateRoom(ctx context.Context, room persistence.Room) error {
	if room.ID == "" || room.Capacity <= 0 {
		return persistence.ErrConstraintViolation
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, capacity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		room.ID,
		room.Name,
		room.Capacity,
		formatTime(room.CreatedAt),
		formatTime(room.UpdatedAt),
	)
	return mapError(err)
}

// UpdateRoom updates an existing room in the database
func (r *RoomRepository) UpdateRoom(ctx context.Context, room persistence.Room) error {
	if room.Capacity <= 0 {
		return persistence.ErrConstraintViolation
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE rooms
		SET name = ?, capacity = ?, updated_at = ?
		WHERE id = ?`,
		room.Name,
		room.Capacity,
		formatTime(room.UpdatedAt),
		room.ID,
	)
	if err != nil {
		return mapError(err)
	}
	return requireRow(result)
}

// GetRoom retrieves a room by ID from the database
func (r *RoomRepository) GetRoom(ctx context.Context, id string) (persistence.Room, error) {
	room, err := scanRoom(r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id))
	if err != nil {
		return persistence.Room{}, mapError(err)
	}
	return room, nil
}

// ListRooms returns all rooms ordered by name
func (r *RoomRepository) ListRooms(ctx context.Context) ([]persistence.Room, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY name, id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var rooms []persistence.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func scanRoom(row rowScanner) (persistence.Room, error) {
	var (
		room               persistence.Room
		createdAt, updated string
	)
	if err := row.Scan(&room.ID, &room.Name, &room.Capacity, &createdAt, &updated); err != nil {
		return persistence.Room{}, err
	}

	var err error
	if room.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.Room{}, fmt.Errorf("parse created_at: %w", err)
	}
	if room.UpdatedAt, err = parseTime(updated); err != nil {
		return persistence.Room{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return room, nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
