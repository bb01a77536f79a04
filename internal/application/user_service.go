package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/roombook/internal/persistence"
)

// UserService manages user access flags. Accounts themselves come from the
// upstream login gateway through EnsureUser.
type UserService struct {
	users       persistence.UserRepository
	directory   *Directory
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

// NewUserService wires dependencies for the user service.
func NewUserService(users persistence.UserRepository, directory *Directory, idGenerator func() string, now func() time.Time, logger *slog.Logger) *UserService {
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &UserService{users: users, directory: directory, idGenerator: idGenerator, now: now, logger: defaultLogger(logger)}
}

func (s *UserService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "UserService", operation, attrs...)
}

// ListUsers returns all users ordered by email for directory managers.
func (s *UserService) ListUsers(ctx context.Context, principal Principal) ([]User, error) {
	if s == nil {
		return nil, fmt.Errorf("UserService is nil")
	}
	if !principal.Role.CanManageDirectory() {
		return nil, ErrForbidden
	}

	records, err := s.users.ListUsers(ctx)
	if err != nil {
		s.loggerWith(ctx, "ListUsers", "principal_id", principal.UserID).
			ErrorContext(ctx, "failed to list users", "error", err, "error_kind", ErrorKind(err))
		return nil, err
	}

	out := make([]User, len(records))
	for i, r := range records {
		out[i] = userFromRecord(r)
	}

	sort.Slice(out, func(i, j int) bool {
		if strings.EqualFold(out[i].Email, out[j].Email) {
			return out[i].ID < out[j].ID
		}
		return strings.ToLower(out[i].Email) < strings.ToLower(out[j].Email)
	})

	return out, nil
}

// UpdateUserAccess blocks, unblocks, activates, deactivates or re-roles a user.
func (s *UserService) UpdateUserAccess(ctx context.Context, params UpdateUserAccessParams) (user User, err error) {
	if s == nil {
		err = fmt.Errorf("UserService is nil")
		return
	}

	logger := s.loggerWith(ctx, "UpdateUserAccess",
		"principal_id", params.Principal.UserID,
		"user_id", params.UserID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to update user access", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With(
			"blocked", user.Blocked,
			"active", user.Active,
			"role", string(user.Role),
		).InfoContext(ctx, "user access updated")
	}()

	if !params.Principal.Role.CanManageDirectory() {
		err = ErrForbidden
		return
	}

	var record persistence.User
	record, err = s.users.GetUser(ctx, params.UserID)
	if err != nil {
		err = mapUserRepoError(err)
		return
	}

	user = userFromRecord(record)
	if params.Blocked != nil {
		user.Blocked = *params.Blocked
	}
	if params.Active != nil {
		user.Active = *params.Active
	}
	if params.Role != nil {
		role, parseErr := ParseRole(*params.Role)
		if parseErr != nil {
			err = newValidationError("role", "role must be one of employee, manager or super_admin")
			return
		}
		user.Role = role
	}
	user.UpdatedAt = s.now()

	if err = s.users.UpdateUser(ctx, userToRecord(user)); err != nil {
		err = mapUserRepoError(err)
		return
	}
	if s.directory != nil {
		s.directory.Invalidate(user.ID)
	}
	return
}

// EnsureUser returns the user with the given email, creating an active
// account when none exists. Existing accounts are returned unchanged.
func (s *UserService) EnsureUser(ctx context.Context, params EnsureUserParams) (User, error) {
	if s == nil {
		return User{}, fmt.Errorf("UserService is nil")
	}

	email := strings.ToLower(strings.TrimSpace(params.Email))
	name := strings.TrimSpace(params.Name)

	vErr := &ValidationError{}
	if email == "" {
		vErr.add("email", "email is required")
	} else if _, err := mail.ParseAddress(email); err != nil {
		vErr.add("email", "email is invalid")
	}
	role, err := ParseRole(params.Role)
	if err != nil {
		vErr.add("role", "role must be one of employee, manager or super_admin")
	}
	if vErr.HasErrors() {
		return User{}, vErr
	}

	existing, err := s.users.GetUserByEmail(ctx, email)
	if err == nil {
		return userFromRecord(existing), nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return User{}, err
	}

	if name == "" {
		name = email
	}
	createdAt := s.now()
	user := User{
		ID:        s.idGenerator(),
		Email:     email,
		Name:      name,
		Role:      role,
		Active:    true,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := s.users.CreateUser(ctx, userToRecord(user)); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			// Lost a race with a concurrent login; the winner's row is authoritative.
			existing, getErr := s.users.GetUserByEmail(ctx, email)
			if getErr != nil {
				return User{}, getErr
			}
			return userFromRecord(existing), nil
		}
		return User{}, err
	}

	s.loggerWith(ctx, "EnsureUser", "user_id", user.ID).InfoContext(ctx, "user provisioned")
	return user, nil
}

func mapUserRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return ErrAlreadyExists
	}
	return err
}
