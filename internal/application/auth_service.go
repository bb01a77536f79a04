package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the claims the upstream OAuth gateway signs into bearer tokens.
type TokenClaims struct {
	Email              string `json:"email"`
	GoogleAccessToken  string `json:"google_access_token,omitempty"`
	GoogleRefreshToken string `json:"google_refresh_token,omitempty"`
	jwt.RegisteredClaims
}

// AuthService turns bearer tokens into principals.
type AuthService struct {
	secret    []byte
	directory *Directory
	now       func() time.Time
	logger    *slog.Logger
}

// NewAuthService constructs an AuthService verifying HS256 tokens signed with secret.
func NewAuthService(secret []byte, directory *Directory, now func() time.Time) *AuthService {
	return NewAuthServiceWithLogger(secret, directory, now, nil)
}

// NewAuthServiceWithLogger constructs an AuthService with a specified logger.
func NewAuthServiceWithLogger(secret []byte, directory *Directory, now func() time.Time, logger *slog.Logger) *AuthService {
	if now == nil {
		now = time.Now
	}
	return &AuthService{secret: secret, directory: directory, now: now, logger: defaultLogger(logger)}
}

func (s *AuthService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "AuthService", operation, attrs...)
}

// Authenticate verifies the bearer token and resolves its subject. Unknown,
// deactivated or mismatched users yield ErrUnauthorized. Blocked users still
// authenticate; the booking engine rejects their writes.
func (s *AuthService) Authenticate(ctx context.Context, bearer string) (principal Principal, err error) {
	if s == nil {
		err = fmt.Errorf("AuthService is nil")
		return
	}

	logger := s.loggerWith(ctx, "Authenticate")
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "authentication failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("user_id", principal.UserID).DebugContext(ctx, "authentication succeeded")
	}()

	raw := strings.TrimSpace(bearer)
	if raw == "" {
		err = ErrUnauthorized
		return
	}

	claims := &TokenClaims{}
	_, parseErr := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if parseErr != nil {
		err = fmt.Errorf("%w: %v", ErrUnauthorized, parseErr)
		return
	}
	if claims.Subject == "" {
		err = fmt.Errorf("%w: missing subject", ErrUnauthorized)
		return
	}

	var user User
	user, err = s.directory.User(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		err = fmt.Errorf("%w: unknown user", ErrUnauthorized)
		return
	}
	if err != nil {
		return
	}
	if !user.Active {
		err = fmt.Errorf("%w: user is deactivated", ErrUnauthorized)
		return
	}
	if claims.Email != "" && !strings.EqualFold(claims.Email, user.Email) {
		err = fmt.Errorf("%w: email does not match subject", ErrUnauthorized)
		return
	}

	principal = Principal{UserID: user.ID, Email: user.Email, Role: user.Role}
	if claims.GoogleAccessToken != "" {
		principal.Calendar = &CalendarCredentials{
			AccessToken:  claims.GoogleAccessToken,
			RefreshToken: claims.GoogleRefreshToken,
		}
	}
	return
}

// IssueToken signs claims for user with the service secret. It mirrors what
// the login gateway produces and is used by seeding tools and tests.
func (s *AuthService) IssueToken(user User, calendar *CalendarCredentials, ttl time.Duration) (string, error) {
	if s == nil {
		return "", fmt.Errorf("AuthService is nil")
	}
	now := s.now()
	claims := TokenClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if calendar != nil {
		claims.GoogleAccessToken = calendar.AccessToken
		claims.GoogleRefreshToken = calendar.RefreshToken
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
