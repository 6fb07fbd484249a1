// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hitoshi/memberhub/internal/model"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate record")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithCredential はユーザーとパスワード資格情報を同一トランザクションで作成する。
	// メールアドレスが登録済みの場合はErrDuplicateを返す。
	CreateWithCredential(ctx context.Context, user *model.User, credential *model.Credential) error

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdateDisplayName は表示名を更新し、更新後のユーザーを返す。
	// ユーザーが存在しない場合はnilを返す。
	UpdateDisplayName(ctx context.Context, id, displayName string, updatedAt time.Time) (*model.User, error)

	// MarkEmailVerified はメールアドレスを検証済みにする。
	MarkEmailVerified(ctx context.Context, id string, at time.Time) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存ユーザーにidentityを紐付ける。
	Create(ctx context.Context, identity *model.Identity) error
}

// CredentialRepository はパスワード資格情報の永続化インターフェース。
type CredentialRepository interface {
	// FindByUserID はユーザーのパスワード資格情報を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Credential, error)

	// Upsert はパスワード資格情報を作成または置き換える。
	Upsert(ctx context.Context, credential *model.Credential) error

	// DeleteByUserID はユーザーのパスワード資格情報を削除する。削除した場合はtrueを返す。
	DeleteByUserID(ctx context.Context, userID string) (bool, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// ListIDsByUserID は指定ユーザーの有効なセッションIDを返す。
	ListIDsByUserID(ctx context.Context, userID string) ([]string, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除し、削除したセッションIDを返す。
	DeleteByUserID(ctx context.Context, userID string) ([]string, error)
}

// PasswordResetRepository はパスワード再設定リクエストの永続化インターフェース。
type PasswordResetRepository interface {
	// Create はリセットリクエストを作成する。
	Create(ctx context.Context, reset *model.PasswordReset) error
	// FindByID は指定IDのリセットリクエストを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.PasswordReset, error)
	// MarkUsed は未使用のリセットリクエストを使用済みにする。
	// 既に使用済みの場合はfalseを返す。
	MarkUsed(ctx context.Context, id string, usedAt time.Time) (bool, error)
}

// DocumentRepository はコレクション+キー単位のJSONドキュメントストア。
// 楽観ロックは行わず、同一キーへの書き込みは後勝ちになる。
type DocumentRepository interface {
	// GetDocument はドキュメントを取得する。存在しない場合はnilを返す。
	GetDocument(ctx context.Context, collection, key string) (json.RawMessage, error)
	// UpsertDocument はドキュメントを作成または置き換える。
	UpsertDocument(ctx context.Context, collection, key string, data any) error
}
