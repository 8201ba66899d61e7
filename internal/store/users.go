package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
)

// CreateUser inserts a user. Usernames are unique; a duplicate yields
// Conflict.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	const op = "store.create_user"
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, active, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Role, boolToInt(u.Active),
		u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli())
	if err != nil {
		cerr := classify(op, err)
		if apperrors.KindOf(cerr) == apperrors.KindConflict {
			return apperrors.Wrap(apperrors.KindConflict, op,
				fmt.Sprintf("Username %s is already taken", u.Username), err).WithEntity(u.Username)
		}
		return cerr
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

// GetUserByUsername fetches a user by login name.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUserWhere(ctx, "username = ?", username)
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg any) (*models.User, error) {
	const op = "store.get_user"
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, role, active, created_at_ms, updated_at_ms
		FROM users WHERE `+where, arg)

	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.KindNotFound, op, "User not found")
		}
		return nil, classify(op, err)
	}
	return u, nil
}

// ListUsers returns users ordered by username with offset pagination.
func (s *Store) ListUsers(ctx context.Context, skip, limit int) ([]models.User, error) {
	const op = "store.list_users"
	if limit <= 0 || limit > MaxListRows {
		limit = MaxListRows
	}
	if skip < 0 {
		skip = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, email, password_hash, role, active, created_at_ms, updated_at_ms
		FROM users ORDER BY username LIMIT ? OFFSET ?
	`, limit, skip)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// CountUsers reports the number of user rows, used for first-run admin
// seeding.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	const op = "store.count_users"
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

// UserPatch carries the mutable user fields. Nil means leave unchanged.
type UserPatch struct {
	Email  *string
	Role   *models.Role
	Active *bool
}

// UpdateUser applies a patch to a user row.
func (s *Store) UpdateUser(ctx context.Context, id string, patch UserPatch) (*models.User, error) {
	const op = "store.update_user"
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Email != nil {
		u.Email = *patch.Email
	}
	if patch.Role != nil {
		if !patch.Role.Valid() {
			return nil, apperrors.New(apperrors.KindValidation, op, fmt.Sprintf("Unknown role %q", *patch.Role))
		}
		u.Role = *patch.Role
	}
	if patch.Active != nil {
		u.Active = *patch.Active
	}
	u.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET email = ?, role = ?, active = ?, updated_at_ms = ? WHERE id = ?
	`, u.Email, u.Role, boolToInt(u.Active), u.UpdatedAt.UnixMilli(), id)
	if err != nil {
		return nil, classify(op, err)
	}
	return u, nil
}

// UpdatePassword replaces the stored password hash.
func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	const op = "store.update_password"
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, updated_at_ms = ? WHERE id = ?
	`, passwordHash, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, op, "User not found")
	}
	return nil
}

// DeleteUser removes a user row.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	const op = "store.delete_user"
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, op, "User not found")
	}
	return nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var active int
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &active, &created, &updated); err != nil {
		return nil, err
	}
	u.Active = active != 0
	u.CreatedAt = msToTime(created)
	u.UpdatedAt = msToTime(updated)
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
