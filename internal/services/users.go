package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"flashly/internal/db"
	"flashly/internal/logging"
	"flashly/internal/models"
)

// UserService is the user directory: registration, password login and
// OAuth account linking.
type UserService struct {
	db  *db.DB
	log *logging.Logger
}

func NewUserService(database *db.DB, log *logging.Logger) *UserService {
	if log == nil {
		log = logging.Nop()
	}
	return &UserService{db: database, log: log}
}

// OAuthProfile is what an identity provider tells us about a user.
type OAuthProfile struct {
	ProviderID string
	Email      string
	Name       string
	AvatarURL  string
}

const userColumns = `id, username, email, password_hash, oauth_provider, oauth_id, avatar_url, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.OAuthProvider,
		&u.OAuthID,
		&u.AvatarURL,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *UserService) findOne(ctx context.Context, column, value string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE `+column+` = ?;`), value)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, Wrap(ErrPersistence, "users", "find by "+column, "", err)
	}
	return u, nil
}

func (s *UserService) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return nil, Wrap(ErrValidation, "", "", "username, email and password are required", nil)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, Wrap(ErrValidation, "", "", "invalid email address", nil)
	}

	existing, err := s.findOne(ctx, "email", email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, Wrap(ErrConflict, "", "", "Email already registered", nil)
	}
	if existing, err = s.findOne(ctx, "username", username); err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, Wrap(ErrConflict, "", "", "Username already taken", nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, Wrap(ErrValidation, "", "", "password cannot be hashed", err)
	}

	now := time.Now().UTC()
	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: sql.NullString{String: string(hash), Valid: true},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.insert(ctx, u); err != nil {
		return nil, err
	}
	s.log.Info("user registered", "user_id", u.ID)
	return u, nil
}

func (s *UserService) insert(ctx context.Context, u *models.User) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, username, email, password_hash, oauth_provider, oauth_id, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`),
		u.ID,
		u.Username,
		u.Email,
		nullStringPtr(u.PasswordHash),
		nullStringPtr(u.OAuthProvider),
		nullStringPtr(u.OAuthID),
		nullStringPtr(u.AvatarURL),
		u.CreatedAt,
		u.UpdatedAt,
	); err != nil {
		return Wrap(ErrPersistence, "users", "insert", "", err)
	}
	return nil
}

// Authenticate checks an email/password pair. Accounts created through OAuth
// have no password and never match.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	u, err := s.findOne(ctx, "email", strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	if u == nil || !u.PasswordHash.Valid {
		return nil, Wrap(ErrUnauthorized, "", "", "Invalid credentials", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash.String), []byte(password)); err != nil {
		return nil, Wrap(ErrUnauthorized, "", "", "Invalid credentials", nil)
	}
	return u, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	u, err := s.findOne(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, Wrap(ErrNotFound, "", "", "user not found", nil)
	}
	return u, nil
}

// FindOrCreateOAuth links the profile to the account with the same email, or
// creates a new password-less account for it.
func (s *UserService) FindOrCreateOAuth(ctx context.Context, provider string, profile OAuthProfile) (*models.User, error) {
	email := strings.TrimSpace(profile.Email)
	if email == "" {
		return nil, Wrap(ErrValidation, "", "", "identity provider returned no email", nil)
	}

	u, err := s.findOne(ctx, "email", email)
	if err != nil {
		return nil, err
	}
	if u != nil {
		if !u.OAuthProvider.Valid {
			u.OAuthProvider = sql.NullString{String: provider, Valid: true}
			u.OAuthID = sql.NullString{String: profile.ProviderID, Valid: true}
		}
		if !u.AvatarURL.Valid && profile.AvatarURL != "" {
			u.AvatarURL = sql.NullString{String: profile.AvatarURL, Valid: true}
		}
		u.UpdatedAt = time.Now().UTC()
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE users SET oauth_provider = ?, oauth_id = ?, avatar_url = ?, updated_at = ? WHERE id = ?;
		`), nullStringPtr(u.OAuthProvider), nullStringPtr(u.OAuthID), nullStringPtr(u.AvatarURL), u.UpdatedAt, u.ID); err != nil {
			return nil, Wrap(ErrPersistence, "users", "link oauth", "", err)
		}
		return u, nil
	}

	base := profile.Name
	if strings.TrimSpace(base) == "" {
		base, _, _ = strings.Cut(email, "@")
	}
	username, err := s.uniqueUsername(ctx, base)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u = &models.User{
		ID:            uuid.NewString(),
		Username:      username,
		Email:         email,
		OAuthProvider: sql.NullString{String: provider, Valid: true},
		OAuthID:       sql.NullString{String: profile.ProviderID, Valid: true},
		AvatarURL:     sql.NullString{String: profile.AvatarURL, Valid: profile.AvatarURL != ""},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.insert(ctx, u); err != nil {
		return nil, err
	}
	s.log.Info("oauth user created", "user_id", u.ID, "provider", provider)
	return u, nil
}

// NormalizeUsername lowercases base, maps spaces and @ to underscores and
// drops everything that is not a letter, digit or underscore. Results shorter
// than three characters become "user".
func NormalizeUsername(base string) string {
	base = strings.ToLower(base)
	base = strings.NewReplacer(" ", "_", "@", "_").Replace(base)
	base = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return -1
	}, base)
	if len([]rune(base)) < 3 {
		return "user"
	}
	return base
}

func (s *UserService) uniqueUsername(ctx context.Context, base string) (string, error) {
	original := NormalizeUsername(base)
	candidate := original
	for i := 1; ; i++ {
		existing, err := s.findOne(ctx, "username", candidate)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d", original, i)
	}
}

func nullStringPtr(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}
