package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresDocumentRepo はPostgreSQLのJSONB列を使ったドキュメントストア。
type PostgresDocumentRepo struct {
	db *sql.DB
}

// NewPostgresDocumentRepo はPostgresDocumentRepoを生成する。
func NewPostgresDocumentRepo(db *sql.DB) *PostgresDocumentRepo {
	return &PostgresDocumentRepo{db: db}
}

// GetDocument はドキュメントを取得する。存在しない場合はnilを返す。
func (r *PostgresDocumentRepo) GetDocument(ctx context.Context, collection, key string) (json.RawMessage, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, key, err)
	}
	return json.RawMessage(data), nil
}

// UpsertDocument はドキュメントを作成または丸ごと置き換える。
func (r *PostgresDocumentRepo) UpsertDocument(ctx context.Context, collection, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, key, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO documents (collection, key, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (collection, key) DO UPDATE
		 SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		collection, key, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s/%s: %w", collection, key, err)
	}
	return nil
}

// compile-time interface check
var _ DocumentRepository = (*PostgresDocumentRepo)(nil)
