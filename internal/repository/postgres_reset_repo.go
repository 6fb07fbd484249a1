package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/memberhub/internal/model"
)

// PostgresPasswordResetRepo はPostgreSQLを使用したパスワード再設定リポジトリ。
type PostgresPasswordResetRepo struct {
	db *sql.DB
}

// NewPostgresPasswordResetRepo はPostgresPasswordResetRepoを生成する。
func NewPostgresPasswordResetRepo(db *sql.DB) *PostgresPasswordResetRepo {
	return &PostgresPasswordResetRepo{db: db}
}

// Create はリセットリクエストを作成する。
func (r *PostgresPasswordResetRepo) Create(ctx context.Context, reset *model.PasswordReset) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO password_resets (id, user_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		reset.ID, reset.UserID, reset.ExpiresAt, reset.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create password reset: %w", err)
	}
	return nil
}

// FindByID は指定IDのリセットリクエストを取得する。見つからない場合はnilを返す。
func (r *PostgresPasswordResetRepo) FindByID(ctx context.Context, id string) (*model.PasswordReset, error) {
	reset := &model.PasswordReset{}
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, used_at, created_at FROM password_resets WHERE id = $1`,
		id,
	).Scan(&reset.ID, &reset.UserID, &reset.ExpiresAt, &usedAt, &reset.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find password reset: %w", err)
	}
	if usedAt.Valid {
		reset.UsedAt = &usedAt.Time
	}
	return reset, nil
}

// MarkUsed は未使用のリセットリクエストを使用済みにする。
// 同時に2回使われた場合でも、trueを返すのは1回だけ。
func (r *PostgresPasswordResetRepo) MarkUsed(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE password_resets SET used_at = $2 WHERE id = $1 AND used_at IS NULL`,
		id, usedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark password reset used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// compile-time interface check
var _ PasswordResetRepository = (*PostgresPasswordResetRepo)(nil)
