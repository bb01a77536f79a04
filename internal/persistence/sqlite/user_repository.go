package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/roombook/internal/persistence"
)

const userColumns = `id, email, name, role, active, blocked, created_at, updated_at`

// UserRepository implements persistence.UserRepository using SQLite
type UserRepository struct {
	db querier
}

// NewUserRepository creates a new SQLite user repository
func NewUserRepository(pool *ConnectionPool) *UserRepository {
	return &UserRepository{db: pool.DB()}
}

// CreateUser inserts a new user into the database
func (r *UserRepository) CreateUser(ctx context.Context, user persistence.User) error {
	if user.ID == "" || strings.TrimSpace(user.Email) == "" {
		return persistence.ErrConstraintViolation
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, active, blocked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		strings.ToLower(strings.TrimSpace(user.Email)),
		user.Name,
		user.Role,
		user.Active,
		user.Blocked,
		formatTime(user.CreatedAt),
		formatTime(user.UpdatedAt),
	)
	return mapError(err)
}

// UpdateUser updates the mutable fields of an existing user. Email is immutable.
func (r *UserRepository) UpdateUser(ctx context.Context, user persistence.User) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET name = ?, role = ?, active = ?, blocked = ?, updated_at = ?
		WHERE id = ?`,
		user.Name,
		user.Role,
		user.Active,
		user.Blocked,
		formatTime(user.UpdatedAt),
		user.ID,
	)
	if err != nil {
		return mapError(err)
	}
	return requireRow(result)
}

// GetUser retrieves a user by ID from the database
func (r *UserRepository) GetUser(ctx context.Context, id string) (persistence.User, error) {
	return getUser(ctx, r.db, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByEmail retrieves a user by email address, ignoring case
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (persistence.User, error) {
	return getUser(ctx, r.db, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

// ListUsers returns all users ordered by name
func (r *UserRepository) ListUsers(ctx context.Context) ([]persistence.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var users []persistence.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func getUser(ctx context.Context, db querier, query string, arg any) (persistence.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return persistence.User{}, mapError(err)
	}
	return user, nil
}

func scanUser(row rowScanner) (persistence.User, error) {
	var (
		user               persistence.User
		createdAt, updated string
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Role, &user.Active, &user.Blocked, &createdAt, &updated); err != nil {
		return persistence.User{}, err
	}

	var err error
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.User{}, fmt.Errorf("parse created_at: %w", err)
	}
	if user.UpdatedAt, err = parseTime(updated); err != nil {
		return persistence.User{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return user, nil
}
