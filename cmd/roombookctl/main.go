// Command roombookctl provisions accounts and issues bearer tokens for local
// development and seeding, mirroring what the login gateway does.
//
//	roombookctl provision -email ada@example.com -name Ada -role super_admin
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/example/roombook/internal/application"
	"github.com/example/roombook/internal/bootstrap"
	"github.com/example/roombook/internal/config"
	"github.com/example/roombook/internal/logging"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.IsProduction())

	if err := execute(context.Background(), cfg, os.Args[1:], os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

var errUsage = errors.New("usage: roombookctl provision -email ADDRESS [-name NAME] [-role ROLE] [-token-ttl DURATION]")

func execute(ctx context.Context, cfg config.Config, args []string, out io.Writer, logger *slog.Logger) error {
	if len(args) == 0 || args[0] != "provision" {
		return errUsage
	}

	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "account email")
	name := fs.String("name", "", "display name")
	role := fs.String("role", string(application.RoleEmployee), "employee, manager or super_admin")
	ttl := fs.Duration("token-ttl", 24*time.Hour, "lifetime of the issued token; 0 skips issuing")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	directory := application.NewDirectory(store, 16, time.Minute)
	users := application.NewUserService(store, directory, nil, time.Now, logger)

	user, err := users.EnsureUser(ctx, application.EnsureUserParams{Email: *email, Name: *name, Role: *role})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user %s <%s> role=%s\n", user.ID, user.Email, user.Role)

	if *ttl <= 0 {
		return nil
	}
	auth := application.NewAuthServiceWithLogger([]byte(cfg.JWTSecret), directory, time.Now, logger)
	token, err := auth.IssueToken(user, nil, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Fprintf(out, "token %s\n", token)
	return nil
}
