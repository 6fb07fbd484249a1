package model

import "time"

// ProfileCollection はプロフィールドキュメントを格納するコレクション名。
const ProfileCollection = "profiles"

// JoinDateLayout は joinDate に使う日付フォーマット。
const JoinDateLayout = "2006-01-02"

// Profile はユーザーごとのプロフィールドキュメントを表す。
// セッションのユーザーIDをキーとして1ユーザー1件だけ存在する。
type Profile struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Bio       string `json:"bio"`
	Location  string `json:"location"`
	JoinDate  string `json:"joinDate"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// NewSeedProfile はセッション情報から初期プロフィールを生成する。
func NewSeedProfile(user *User, now time.Time) Profile {
	return Profile{
		Name:     user.DisplayName,
		Email:    user.Email,
		JoinDate: now.Format(JoinDateLayout),
	}
}

// Initial はアバター表示用に名前の先頭1文字を返す。
func (p Profile) Initial() string {
	for _, r := range p.Name {
		return string(r)
	}
	return ""
}

// SameContent は更新日時を除いた内容が一致するかを返す。
func (p Profile) SameContent(other Profile) bool {
	p.UpdatedAt = ""
	other.UpdatedAt = ""
	return p == other
}
