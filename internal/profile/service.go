// Package profile はユーザーごとのプロフィールドキュメントの読み込みと保存を提供する。
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/hitoshi/memberhub/internal/model"
	"github.com/hitoshi/memberhub/internal/repository"
	"github.com/hitoshi/memberhub/internal/security"
)

// 入力欄ごとの最大文字数
const (
	MaxNameLength      = 100
	MaxBioLength       = 1000
	MaxLocationLength  = 100
	MaxAvatarURLLength = 2048
)

// Service はプロフィールのサービス層。
// ドキュメントは profiles/{ユーザーID} に1件だけ存在する。
type Service struct {
	docs      repository.DocumentRepository
	sanitizer security.TextSanitizerService
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(docs repository.DocumentRepository, sanitizer security.TextSanitizerService) *Service {
	return &Service{
		docs:      docs,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// Load はユーザーのプロフィールを取得する。
// ドキュメントが存在しない場合はセッション情報から初期値を作成して1回だけ保存し、それを返す。
func (s *Service) Load(ctx context.Context, user *model.User) (*model.Profile, error) {
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}

	// 1. 既存ドキュメントを取得
	stored, err := s.get(ctx, user.ID)
	if err != nil {
		return nil, model.NewProfileLoadFailedError(err)
	}
	if stored != nil {
		return stored, nil
	}

	// 2. 存在しなければ初期値を作成
	seed := model.NewSeedProfile(user, s.now())
	if err := s.docs.UpsertDocument(ctx, model.ProfileCollection, user.ID, seed); err != nil {
		return nil, model.NewProfileLoadFailedError(err)
	}

	slog.Info("profile seeded",
		slog.String("user_id", user.ID),
	)
	return &seed, nil
}

// Save は編集内容を検証して保存し、保存後のプロフィールを返す。
// メールアドレスと登録日は保存済みの値を維持する。同一キーへの書き込みは後勝ち。
func (s *Service) Save(ctx context.Context, user *model.User, buffer model.Profile) (*model.Profile, error) {
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}

	// 1. 自由入力欄を無害化
	next := model.Profile{
		Name:      s.sanitizer.Sanitize(buffer.Name),
		Bio:       s.sanitizer.Sanitize(buffer.Bio),
		Location:  s.sanitizer.Sanitize(buffer.Location),
		AvatarURL: strings.TrimSpace(buffer.AvatarURL),
	}

	// 2. 入力値を検証
	if err := Validate(next); err != nil {
		return nil, model.NewInvalidInputError(err.Error())
	}

	// 3. 読み取り専用の項目は保存済みの値で上書き
	stored, err := s.get(ctx, user.ID)
	if err != nil {
		return nil, model.NewProfileSaveFailedError(err)
	}
	if stored != nil {
		next.Email = stored.Email
		next.JoinDate = stored.JoinDate
	} else {
		seed := model.NewSeedProfile(user, s.now())
		next.Email = seed.Email
		next.JoinDate = seed.JoinDate
	}

	// 4. 更新日時を付けて保存
	next.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.docs.UpsertDocument(ctx, model.ProfileCollection, user.ID, next); err != nil {
		slog.Error("failed to save profile",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProfileSaveFailedError(err)
	}

	return &next, nil
}

// Validate は編集内容を検証する。アバターURLは空かhttp/httpsのURLのみ許可する。
func Validate(p model.Profile) error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.RuneLength(0, MaxNameLength)),
		validation.Field(&p.Bio, validation.RuneLength(0, MaxBioLength)),
		validation.Field(&p.Location, validation.RuneLength(0, MaxLocationLength)),
		validation.Field(&p.AvatarURL,
			validation.Length(0, MaxAvatarURLLength),
			is.URL,
			validation.By(httpScheme),
		),
	)
}

func httpScheme(value interface{}) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an http or https URL")
	}
	return nil
}

// get は保存済みのプロフィールを取得する。存在しない場合はnilを返す。
func (s *Service) get(ctx context.Context, userID string) (*model.Profile, error) {
	raw, err := s.docs.GetDocument(ctx, model.ProfileCollection, userID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var p model.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", userID, err)
	}
	return &p, nil
}
