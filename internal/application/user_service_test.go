package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/roombook/internal/persistence"
	"github.com/example/roombook/internal/testfixtures"
)

func newUserFixture(t *testing.T, users ...persistence.User) (*UserService, persistence.Store, *Directory) {
	t.Helper()
	store := testfixtures.NewMemoryStore(t)
	testfixtures.Seed(t, store, users, nil)
	dir := NewDirectory(store, 16, time.Hour)
	ids := testfixtures.NewIDGenerator("user-new")
	clock := testfixtures.NewClock(time.Time{})
	return NewUserService(store, dir, ids.NextFunc(), clock.NowFunc(), nil), store, dir
}

func TestUserService_ListUsers(t *testing.T) {
	svc, _, _ := newUserFixture(t,
		testfixtures.NewUser(testfixtures.WithUserEmail("zoe@example.com")),
		testfixtures.NewUser(testfixtures.WithUserEmail("Adam@example.com")),
		testfixtures.NewUser(testfixtures.WithUserEmail("mia@example.com")),
	)

	if _, err := svc.ListUsers(context.Background(), managerPrincipal); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for managers, got %v", err)
	}

	users, err := svc.ListUsers(context.Background(), adminPrincipal)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 3 || users[0].Email != "Adam@example.com" || users[2].Email != "zoe@example.com" {
		t.Fatalf("expected users ordered by email, got %+v", users)
	}
}

func TestUserService_UpdateUserAccess(t *testing.T) {
	target := testfixtures.NewUser()
	svc, store, dir := newUserFixture(t, target)
	ctx := context.Background()
	yes, no := true, false

	t.Run("requires directory privileges", func(t *testing.T) {
		_, err := svc.UpdateUserAccess(ctx, UpdateUserAccessParams{Principal: employeePrincipal, UserID: target.ID, Blocked: &yes})
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("unknown users are not found", func(t *testing.T) {
		_, err := svc.UpdateUserAccess(ctx, UpdateUserAccessParams{Principal: adminPrincipal, UserID: "user-404", Blocked: &yes})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rejects unknown roles", func(t *testing.T) {
		role := "owner"
		_, err := svc.UpdateUserAccess(ctx, UpdateUserAccessParams{Principal: adminPrincipal, UserID: target.ID, Role: &role})
		if !isValidationOn(err, "role") {
			t.Fatalf("expected role validation error, got %v", err)
		}
	})

	t.Run("blocks and re-roles while leaving other flags alone", func(t *testing.T) {
		if _, err := dir.User(ctx, target.ID); err != nil {
			t.Fatalf("warm directory: %v", err)
		}

		role := "Manager"
		updated, err := svc.UpdateUserAccess(ctx, UpdateUserAccessParams{Principal: adminPrincipal, UserID: target.ID, Blocked: &yes, Role: &role})
		if err != nil {
			t.Fatalf("UpdateUserAccess: %v", err)
		}
		if !updated.Blocked || !updated.Active || updated.Role != RoleManager {
			t.Fatalf("unexpected user %+v", updated)
		}

		stored, err := store.GetUser(ctx, target.ID)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if !stored.Blocked || stored.Role != "manager" {
			t.Fatalf("update was not persisted: %+v", stored)
		}

		cached, err := dir.User(ctx, target.ID)
		if err != nil {
			t.Fatalf("User: %v", err)
		}
		if !cached.Blocked {
			t.Fatalf("directory still serves the unblocked user")
		}
	})

	t.Run("deactivates", func(t *testing.T) {
		updated, err := svc.UpdateUserAccess(ctx, UpdateUserAccessParams{Principal: adminPrincipal, UserID: target.ID, Active: &no, Blocked: &no})
		if err != nil {
			t.Fatalf("UpdateUserAccess: %v", err)
		}
		if updated.Active || updated.Blocked {
			t.Fatalf("unexpected user %+v", updated)
		}
	})
}

func TestUserService_EnsureUser(t *testing.T) {
	existing := testfixtures.NewUser(testfixtures.WithUserEmail("asha@example.com"), testfixtures.WithUserRole("manager"))
	svc, store, _ := newUserFixture(t, existing)
	ctx := context.Background()

	t.Run("returns existing accounts unchanged", func(t *testing.T) {
		user, err := svc.EnsureUser(ctx, EnsureUserParams{Email: "  ASHA@example.com ", Name: "Someone Else"})
		if err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
		if user.ID != existing.ID || user.Role != RoleManager || user.Name != existing.Name {
			t.Fatalf("expected the existing account, got %+v", user)
		}
	})

	t.Run("provisions new accounts", func(t *testing.T) {
		user, err := svc.EnsureUser(ctx, EnsureUserParams{Email: "ben@example.com"})
		if err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
		if user.ID != "user-new-1" || user.Name != "ben@example.com" || user.Role != RoleEmployee || !user.Active {
			t.Fatalf("unexpected new user %+v", user)
		}
		if _, err := store.GetUserByEmail(ctx, "ben@example.com"); err != nil {
			t.Fatalf("new user was not persisted: %v", err)
		}
	})

	t.Run("validates input", func(t *testing.T) {
		_, err := svc.EnsureUser(ctx, EnsureUserParams{Email: "not an email", Role: "root"})
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if _, ok := vErr.FieldErrors["email"]; !ok {
			t.Fatalf("expected email error, got %v", vErr.FieldErrors)
		}
		if _, ok := vErr.FieldErrors["role"]; !ok {
			t.Fatalf("expected role error, got %v", vErr.FieldErrors)
		}
	})
}
