package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sportsedge/integrity-engine/internal/models"
)

var (
	ErrAdminNotFound      = errors.New("admin user not found")
	ErrAdminAlreadyExists = errors.New("admin user already exists")
)

// AdminRepository handles admin user database operations
type AdminRepository struct {
	db *Database
}

// NewAdminRepository creates a new admin repository
func NewAdminRepository(db *Database) *AdminRepository {
	return &AdminRepository{db: db}
}

// Create creates a new admin user
func (r *AdminRepository) Create(ctx context.Context, admin *models.AdminUser) error {
	query := `
		INSERT INTO admin_users (id, email, password_hash, name, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	admin.ID = uuid.New()
	admin.IsActive = true
	admin.CreatedAt = time.Now()
	admin.UpdatedAt = admin.CreatedAt

	_, err := r.db.Pool.Exec(ctx, query,
		admin.ID,
		admin.Email,
		admin.PasswordHash,
		admin.Name,
		admin.Role,
		admin.IsActive,
		admin.CreatedAt,
		admin.UpdatedAt,
	)

	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrAdminAlreadyExists
		}
		return err
	}

	return nil
}

// GetByID retrieves an admin user by ID
func (r *AdminRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AdminUser, error) {
	query := `
		SELECT id, email, password_hash, name, role, is_active, created_at, updated_at, last_login_at
		FROM admin_users
		WHERE id = $1
	`

	return r.scanAdmin(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByEmail retrieves an admin user by email
func (r *AdminRepository) GetByEmail(ctx context.Context, email string) (*models.AdminUser, error) {
	query := `
		SELECT id, email, password_hash, name, role, is_active, created_at, updated_at, last_login_at
		FROM admin_users
		WHERE email = $1
	`

	return r.scanAdmin(r.db.Pool.QueryRow(ctx, query, email))
}

// UpdateLastLogin stamps a successful login
func (r *AdminRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE admin_users
		SET last_login_at = $2, updated_at = $2
		WHERE id = $1
	`

	result, err := r.db.Pool.Exec(ctx, query, id, time.Now())
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrAdminNotFound
	}

	return nil
}

func (r *AdminRepository) scanAdmin(row rowScanner) (*models.AdminUser, error) {
	admin := &models.AdminUser{}
	err := row.Scan(
		&admin.ID,
		&admin.Email,
		&admin.PasswordHash,
		&admin.Name,
		&admin.Role,
		&admin.IsActive,
		&admin.CreatedAt,
		&admin.UpdatedAt,
		&admin.LastLoginAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}

	return admin, nil
}
