// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// セッションから見た認証済みアイデンティティのキャッシュとして読み取り専用で扱う。
// Email と DisplayName はプロバイダーによっては空になる。
// EmailVerified はメールアドレスの所有が一度でも確認されたかを表す
// （Googleの検証済みメール、またはリセットメール経由のパスワード再設定）。
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	DisplayName   string    `json:"displayName,omitempty"`
	EmailVerified bool      `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Clone はUserのコピーを返す。nilの場合はnilを返す。
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Credential はメールアドレス+パスワード認証用の資格情報を表す。
type Credential struct {
	UserID       string
	PasswordHash string
	UpdatedAt    time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// PasswordReset はパスワード再設定リクエストを表す。
// UsedAt がnilでない場合は使用済み。
type PasswordReset struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Usable はリセットトークンが未使用かつ有効期限内であるかを返す。
func (p *PasswordReset) Usable(now time.Time) bool {
	return p.UsedAt == nil && now.Before(p.ExpiresAt)
}
