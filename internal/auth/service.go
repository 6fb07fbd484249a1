// Package auth はパスワード認証、Google OAuth認証、セッション管理、パスワード再設定を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/memberhub/internal/model"
	"github.com/hitoshi/memberhub/internal/repository"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	PictureURL     string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// Notifier はセッション変更通知の発行と購読を行う。sessionhub.Hubが実装する。
type Notifier interface {
	Publish(ctx context.Context, sessionID string, user *model.User) error
	Subscribe(sessionID string, fn func(*model.User)) (unsubscribe func())
}

// ResetMailer はパスワード再設定リンクをメールで送信する。
type ResetMailer interface {
	SendPasswordReset(ctx context.Context, to, link string) error
}

// Stores は認証サービスが使うリポジトリ群。
type Stores struct {
	Users       repository.UserRepository
	Identities  repository.IdentityRepository
	Credentials repository.CredentialRepository
	Sessions    repository.SessionRepository
	Resets      repository.PasswordResetRepository
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge    int           // セッション有効期間（秒）
	PasswordResetTTL time.Duration // リセットトークンの有効期間
	ResetURL         string        // 再設定ページの絶対URL（BASE_URL + /reset-password）
	BcryptCost       int           // 0の場合はbcrypt.DefaultCost
}

// Service は認証に関するビジネスロジックを提供する。
// oauthがnilの場合、Googleサインインは無効になる。
type Service struct {
	oauth    OAuthProvider
	stores   Stores
	notifier Notifier
	mailer   ResetMailer
	tokens   *ResetTokenIssuer
	config   ServiceConfig
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	stores Stores,
	notifier Notifier,
	mailer ResetMailer,
	tokens *ResetTokenIssuer,
	config ServiceConfig,
) *Service {
	if config.PasswordResetTTL <= 0 {
		config.PasswordResetTTL = time.Hour
	}
	return &Service{
		oauth:    oauth,
		stores:   stores,
		notifier: notifier,
		mailer:   mailer,
		tokens:   tokens,
		config:   config,
		now:      time.Now,
	}
}

// SessionResolver はセッションIDからユーザーを解決する関数を返す。
// セッションが存在しないか期限切れの場合、またはユーザーが削除済みの場合は (nil, nil) を返す。
// sessionhub.Hubのリゾルバーとして使う。
func SessionResolver(sessions repository.SessionRepository, users repository.UserRepository) func(ctx context.Context, sessionID string) (*model.User, error) {
	return func(ctx context.Context, sessionID string) (*model.User, error) {
		if sessionID == "" {
			return nil, nil
		}
		session, err := sessions.FindByID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to find session: %w", err)
		}
		if session == nil {
			return nil, nil
		}
		user, err := users.FindByID(ctx, session.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		return user, nil
	}
}

// CreateAccount はメールアドレスとパスワードでアカウントを作成し、セッションを発行する。
func (s *Service) CreateAccount(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, model.NewInvalidInputError("email is required")
	}
	if !passwordLongEnough(password) {
		return nil, model.NewWeakPasswordError(MinPasswordLength)
	}

	// 1. 登録済みのメールアドレスか確認
	existing, err := s.stores.Users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailInUseError()
	}

	// 2. パスワードハッシュを生成
	hash, err := HashPassword(password, s.config.BcryptCost)
	if err != nil {
		return nil, err
	}

	// 3. usersレコードとpassword_credentialsレコードを同時に作成
	now := s.now()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	credential := &model.Credential{
		UserID:       user.ID,
		PasswordHash: hash,
		UpdatedAt:    now,
	}
	if err := s.stores.Users.CreateWithCredential(ctx, user, credential); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailInUseError()
		}
		return nil, fmt.Errorf("failed to create user and credential: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", "password"),
	)

	// 4. セッションを発行
	return s.startSession(ctx, user)
}

// SignIn はメールアドレスとパスワードで認証し、セッションを発行する。
// ユーザーの不在とパスワード不一致は区別せずINVALID_CREDENTIALSを返す。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)

	user, err := s.stores.Users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidCredentialsError()
	}

	credential, err := s.stores.Credentials.FindByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}
	// Googleのみで登録したユーザーはパスワードを持たない
	if credential == nil || !ComparePassword(credential.PasswordHash, password) {
		slog.Info("password sign-in rejected", slog.String("user_id", user.ID))
		return nil, model.NewInvalidCredentialsError()
	}

	slog.Info("user signed in",
		slog.String("user_id", user.ID),
		slog.String("provider", "password"),
	)
	return s.startSession(ctx, user)
}

// ProviderEnabled はGoogleサインインが有効かを返す。
func (s *Service) ProviderEnabled() bool {
	return s.oauth != nil
}

// GetLoginURL はOAuth認証URLを生成する。プロバイダーが無効な場合は空文字を返す。
func (s *Service) GetLoginURL(state string) string {
	if s.oauth == nil {
		return ""
	}
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// identityが未登録で、同じメールアドレスのユーザーが存在する場合はそのユーザーに紐付ける。
// どちらも存在しない場合はusersレコードとidentitiesレコードを同時に自動作成する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if s.oauth == nil {
		return nil, model.NewProviderDisabledError()
	}

	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, model.NewProviderFailedError(fmt.Errorf("failed to exchange oauth code: %w", err))
	}

	// 2. identitiesテーブルで既存ユーザーを検索
	identity, err := s.stores.Identities.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var user *model.User
	if identity != nil {
		// 3a. 既存identity
		user, err = s.stores.Users.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, model.NewUserNotFoundError()
		}
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
			slog.String("provider", userInfo.Provider),
		)
	} else {
		user, err = s.linkOrCreate(ctx, userInfo)
		if err != nil {
			return nil, err
		}
	}

	// 4. セッションを発行
	return s.startSession(ctx, user)
}

// linkOrCreate は同じメールアドレスのユーザーにidentityを紐付けるか、新規ユーザーを作成する。
func (s *Service) linkOrCreate(ctx context.Context, info *OAuthUserInfo) (*model.User, error) {
	now := s.now()
	identity := &model.Identity{
		ID:             uuid.New().String(),
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	// 3b. 既存のメールアカウントへの紐付け
	if info.Email != "" {
		existing, err := s.stores.Users.FindByEmail(ctx, info.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to find user by email: %w", err)
		}
		if existing != nil {
			// 所有未確認のメールアドレスで先に作られたアカウントは、
			// 登録者が設定したパスワードとセッションを無効にしてから引き継ぐ
			if !existing.EmailVerified {
				if err := s.revokeUnverifiedAccess(ctx, existing.ID); err != nil {
					return nil, err
				}
			}
			identity.UserID = existing.ID
			if err := s.stores.Identities.Create(ctx, identity); err != nil {
				return nil, fmt.Errorf("failed to link identity: %w", err)
			}
			if !existing.EmailVerified {
				if err := s.stores.Users.MarkEmailVerified(ctx, existing.ID, now); err != nil {
					return nil, fmt.Errorf("failed to mark email verified: %w", err)
				}
				existing = existing.Clone()
				existing.EmailVerified = true
			}
			slog.Info("identity linked to existing user",
				slog.String("user_id", existing.ID),
				slog.String("provider", info.Provider),
			)
			return existing, nil
		}
	}

	// 3c. 新規ユーザー: usersレコードとidentitiesレコードを同時に作成
	user := &model.User{
		ID:            uuid.New().String(),
		Email:         info.Email,
		DisplayName:   info.Name,
		EmailVerified: info.Email != "",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	identity.UserID = user.ID
	if err := s.stores.Users.CreateWithIdentity(ctx, user, identity); err != nil {
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", info.Provider),
	)
	return user, nil
}

// revokeUnverifiedAccess はメールアドレス未確認のアカウントからパスワード資格情報を削除し、
// 全セッションを失効させてそれぞれに「未ログイン」を通知する。
func (s *Service) revokeUnverifiedAccess(ctx context.Context, userID string) error {
	removed, err := s.stores.Credentials.DeleteByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	revoked, err := s.stores.Sessions.DeleteByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	for _, id := range revoked {
		s.publish(ctx, id, nil)
	}

	slog.Warn("unverified account access revoked before linking",
		slog.String("user_id", userID),
		slog.Bool("password_removed", removed),
		slog.Int("revoked_sessions", len(revoked)),
	)
	return nil
}

// SignOut はセッションを破棄し、そのセッションの購読者に「未ログイン」を通知する。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.stores.Sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.publish(ctx, sessionID, nil)

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// SendPasswordReset はパスワード再設定リンクをメールで送信する。
// 未登録のメールアドレスの場合も成功として扱い、アカウントの有無を漏らさない。
func (s *Service) SendPasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)

	user, err := s.stores.Users.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil {
		slog.Info("password reset requested for unknown email")
		return nil
	}

	// 1. リセットリクエストを永続化
	now := s.now()
	reset := &model.PasswordReset{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.config.PasswordResetTTL),
		CreatedAt: now,
	}
	if err := s.stores.Resets.Create(ctx, reset); err != nil {
		return fmt.Errorf("failed to save password reset: %w", err)
	}

	// 2. トークンを発行してリンクを送信
	token, err := s.tokens.Issue(reset)
	if err != nil {
		return err
	}
	link := s.config.ResetURL + "?token=" + url.QueryEscape(token)
	if err := s.mailer.SendPasswordReset(ctx, user.Email, link); err != nil {
		return fmt.Errorf("failed to send password reset mail: %w", err)
	}

	slog.Info("password reset mail sent", slog.String("user_id", user.ID))
	return nil
}

// ConfirmPasswordReset はリセットトークンを検証してパスワードを置き換える。
// 成功時はユーザーの全セッションを失効させ、それぞれに「未ログイン」を通知する。
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if !passwordLongEnough(newPassword) {
		return model.NewWeakPasswordError(MinPasswordLength)
	}

	// 1. トークンの署名と有効期限を検証
	claims, err := s.tokens.Parse(token)
	if err != nil {
		slog.Info("password reset token rejected", slog.String("reason", err.Error()))
		return model.NewInvalidResetTokenError()
	}

	// 2. リセットリクエストが未使用で、トークンと同じユーザーのものか確認
	now := s.now()
	reset, err := s.stores.Resets.FindByID(ctx, claims.ID)
	if err != nil {
		return fmt.Errorf("failed to find password reset: %w", err)
	}
	if reset == nil || reset.UserID != claims.Subject || !reset.Usable(now) {
		return model.NewInvalidResetTokenError()
	}
	marked, err := s.stores.Resets.MarkUsed(ctx, reset.ID, now)
	if err != nil {
		return fmt.Errorf("failed to mark password reset used: %w", err)
	}
	if !marked {
		return model.NewInvalidResetTokenError()
	}

	// 3. パスワードを置き換える
	hash, err := HashPassword(newPassword, s.config.BcryptCost)
	if err != nil {
		return err
	}
	if err := s.stores.Credentials.Upsert(ctx, &model.Credential{
		UserID:       reset.UserID,
		PasswordHash: hash,
		UpdatedAt:    now,
	}); err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	// リセットメールを受け取れたのでメールアドレスの所有は確認済み
	if err := s.stores.Users.MarkEmailVerified(ctx, reset.UserID, now); err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}

	// 4. 既存セッションをすべて失効させる
	revoked, err := s.stores.Sessions.DeleteByUserID(ctx, reset.UserID)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	for _, id := range revoked {
		s.publish(ctx, id, nil)
	}

	slog.Info("password reset completed",
		slog.String("user_id", reset.UserID),
		slog.Int("revoked_sessions", len(revoked)),
	)
	return nil
}

// UpdateDisplayName は表示名を更新し、そのユーザーの全セッションに更新後のユーザーを通知する。
func (s *Service) UpdateDisplayName(ctx context.Context, userID, displayName string) (*model.User, error) {
	user, err := s.stores.Users.UpdateDisplayName(ctx, userID, strings.TrimSpace(displayName), s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to update display name: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	ids, err := s.stores.Sessions.ListIDsByUserID(ctx, userID)
	if err != nil {
		// 永続化は完了しているため、通知の失敗はログのみ
		slog.Warn("failed to list sessions for notification",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return user, nil
	}
	for _, id := range ids {
		s.publish(ctx, id, user)
	}
	return user, nil
}

// CurrentUser はセッションから現在のユーザーを取得する。
// セッションが存在しないか期限切れの場合は (nil, nil) を返す。
func (s *Service) CurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	return SessionResolver(s.stores.Sessions, s.stores.Users)(ctx, sessionID)
}

// Subscribe はセッションの変更通知を購読する。
func (s *Service) Subscribe(sessionID string, fn func(*model.User)) (unsubscribe func()) {
	return s.notifier.Subscribe(sessionID, fn)
}

// startSession はセッションを発行し、そのセッションの購読者にユーザーを通知する。
func (s *Service) startSession(ctx context.Context, user *model.User) (*model.Session, error) {
	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.publish(ctx, session.ID, user)
	return session, nil
}

// publish は通知を発行する。失敗してもセッション操作自体は成功として扱う。
func (s *Service) publish(ctx context.Context, sessionID string, user *model.User) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, sessionID, user); err != nil {
		slog.Warn("failed to publish session change",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.stores.Sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
