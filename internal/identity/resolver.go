// Package identity maps checkout emails to user accounts.
package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/joao-fontenele/licenseflow/internal/domain"
)

const (
	ReactivationTokenTTL = 24 * time.Hour
	maxNameRunes         = 100
	credentialLength     = 14
	credentialAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"
)

// Notifier records a notification inside the resolver's transaction.
type Notifier interface {
	AddNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error
}

type Resolver struct {
	db       *sql.DB
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewResolver(db *sql.DB, notifier Notifier, logger *slog.Logger) *Resolver {
	return &Resolver{
		db:       db,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the account that owns purchases made with c.Email, creating or
// reactivating it when needed. Any error wraps domain.ErrIdentityProvisioning and
// callers are expected to continue the checkout as a guest.
func (r *Resolver) Resolve(ctx context.Context, c domain.Customer) (domain.UserRef, domain.Resolution, error) {
	user, resolution, err := r.resolve(ctx, c)
	if err != nil {
		return domain.GuestUser(), domain.ResolutionGuest, fmt.Errorf("%w: %v", domain.ErrIdentityProvisioning, err)
	}

	r.logger.Info("identity resolved", "user_id", user.ID, "resolution", resolution)
	return domain.KnownUser(user.ID), resolution, nil
}

func (r *Resolver) resolve(ctx context.Context, c domain.Customer) (*domain.User, domain.Resolution, error) {
	email := NormalizeEmail(c.Email)
	if email == "" {
		return nil, "", errors.New("email is required")
	}
	firstName, err := cleanName(c.FirstName)
	if err != nil {
		return nil, "", fmt.Errorf("first name: %w", err)
	}
	lastName, err := cleanName(c.LastName)
	if err != nil {
		return nil, "", fmt.Errorf("last name: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = tx.Rollback() }()

	user, err := lockUserByEmail(ctx, tx, email)
	if err != nil {
		return nil, "", err
	}

	var (
		resolution   domain.Resolution
		notification domain.Notification
	)

	if user == nil {
		credential, err := GenerateCredential()
		if err != nil {
			return nil, "", err
		}
		user, err = r.provision(ctx, tx, email, firstName, lastName, c, credential)
		if err != nil {
			return nil, "", err
		}
		if user != nil {
			resolution = domain.ResolutionProvisioned
			notification = domain.Notification{
				Type:           domain.NotificationAccountCreated,
				RecipientEmail: user.Email,
				TemplateVariables: map[string]string{
					"first_name":         user.FirstName,
					"email":              user.Email,
					"temporary_password": credential,
				},
			}
		} else {
			// Lost the insert race to a concurrent checkout for the same email.
			user, err = lockUserByEmail(ctx, tx, email)
			if err != nil {
				return nil, "", err
			}
			if user == nil {
				return nil, "", errors.New("user vanished after conflicting insert")
			}
		}
	}

	if resolution == "" {
		resolution = Decide(user)
		switch resolution {
		case domain.ResolutionExisting:
			notification = domain.Notification{
				Type:           domain.NotificationAdditionalPurchase,
				RecipientEmail: user.Email,
				TemplateVariables: map[string]string{
					"first_name": user.FirstName,
				},
			}
		case domain.ResolutionReactivated:
			token, expiresAt, err := r.reactivate(ctx, tx, user)
			if err != nil {
				return nil, "", err
			}
			notification = domain.Notification{
				Type:           domain.NotificationAccountReactivation,
				RecipientEmail: user.Email,
				TemplateVariables: map[string]string{
					"first_name":         user.FirstName,
					"reactivation_token": token,
					"expires_at":         expiresAt.Format(time.RFC3339),
				},
			}
		}
	}

	notification.Timestamp = r.now()
	if err := r.notifier.AddNotification(ctx, tx, notification); err != nil {
		return nil, "", err
	}

	if err := tx.Commit(); err != nil {
		return nil, "", err
	}
	return user, resolution, nil
}

// Decide picks the branch for an existing account.
func Decide(user *domain.User) domain.Resolution {
	if user.IsActive && user.IsVerified {
		return domain.ResolutionExisting
	}
	return domain.ResolutionReactivated
}

// provision returns nil without error when another transaction created the same email first.
func (r *Resolver) provision(ctx context.Context, tx *sql.Tx, email, firstName, lastName string, c domain.Customer, credential string) (*domain.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash credential: %w", err)
	}

	user := &domain.User{
		ID:         uuid.New().String(),
		Email:      email,
		FirstName:  firstName,
		LastName:   lastName,
		Phone:      strings.TrimSpace(c.Phone),
		Country:    strings.ToUpper(strings.TrimSpace(c.Country)),
		IsActive:   true,
		IsVerified: true,
		CreatedAt:  r.now(),
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, email, first_name, last_name, phone, country, password_hash, is_active, is_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, TRUE, $8, $8)
		ON CONFLICT ((lower(email))) DO NOTHING
	`, user.ID, user.Email, user.FirstName, user.LastName, user.Phone, user.Country, string(hash), user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, nil
	}
	return user, nil
}

func (r *Resolver) reactivate(ctx context.Context, tx *sql.Tx, user *domain.User) (string, time.Time, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := r.now().Add(ReactivationTokenTTL)

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET is_active = TRUE, reactivation_token = $2, reactivation_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, user.ID, token, expiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reactivate user: %w", err)
	}

	user.IsActive = true
	user.ReactivationToken = token
	user.ReactivationExpiresAt = &expiresAt
	return token, expiresAt, nil
}

func lockUserByEmail(ctx context.Context, tx *sql.Tx, email string) (*domain.User, error) {
	user := &domain.User{}
	var token sql.NullString
	var tokenExpiry sql.NullTime

	err := tx.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, phone, country, is_active, is_verified,
		       reactivation_token, reactivation_expires_at, created_at
		FROM users
		WHERE lower(email) = $1
		FOR UPDATE
	`, email).Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Phone, &user.Country,
		&user.IsActive, &user.IsVerified, &token, &tokenExpiry, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	user.ReactivationToken = token.String
	if tokenExpiry.Valid {
		user.ReactivationExpiresAt = &tokenExpiry.Time
	}
	return user, nil
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FindIDByEmail returns the id of the account registered with email, if any.
func FindIDByEmail(ctx context.Context, q Querier, email string) (string, bool, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM users WHERE lower(email) = $1
	`, NormalizeEmail(email)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return id, true, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("must not be empty")
	}
	if !utf8.ValidString(name) {
		return "", errors.New("must be valid UTF-8")
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return "", fmt.Errorf("must be at most %d characters", maxNameRunes)
	}
	return name, nil
}

// GenerateCredential returns a random temporary password without ambiguous characters.
func GenerateCredential() (string, error) {
	limit := big.NewInt(int64(len(credentialAlphabet)))
	out := make([]byte, credentialLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate credential: %w", err)
		}
		out[i] = credentialAlphabet[n.Int64()]
	}
	return string(out), nil
}

func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
