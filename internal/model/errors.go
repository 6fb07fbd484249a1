package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, system
	Action   string // ユーザー向け対処方法
	Err      error  // 元になったエラー（ログ用、レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元になったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeEmailInUse         = "EMAIL_IN_USE"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodePasswordMismatch   = "PASSWORD_MISMATCH"
	ErrCodeProviderFailed     = "PROVIDER_SIGNIN_FAILED"
	ErrCodeProviderDisabled   = "PROVIDER_DISABLED"
	ErrCodeInvalidResetToken  = "INVALID_RESET_TOKEN"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeProfileLoadFailed  = "PROFILE_LOAD_FAILED"
	ErrCodeProfileSaveFailed  = "PROFILE_SAVE_FAILED"
)

// CodeOf はエラーチェーンにAPIErrorが含まれていればそのコードを返す。
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewInvalidCredentialsError はメールアドレスまたはパスワード不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewEmailInUseError は登録済みメールアドレスエラーを生成する。
func NewEmailInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailInUse,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、パスワードを再設定してください。",
	}
}

// NewWeakPasswordError はパスワード強度不足エラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("Password should be at least %d characters", minLength),
		Category: "validation",
		Action:   "より長いパスワードを指定してください。",
	}
}

// NewPasswordMismatchError は確認用パスワード不一致エラーを生成する。
// ネットワーク呼び出し前にクライアント側で検出されるバリデーションエラー。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "Passwords do not match",
		Category: "validation",
		Action:   "同じパスワードを2回入力してください。",
	}
}

// NewProviderFailedError は外部IdPによるサインイン失敗エラーを生成する。
func NewProviderFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeProviderFailed,
		Message:  "外部プロバイダーでのサインインに失敗しました。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewProviderDisabledError は外部IdPが設定されていない場合のエラーを生成する。
func NewProviderDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderDisabled,
		Message:  "外部プロバイダーでのサインインは無効です。",
		Category: "auth",
		Action:   "メールアドレスとパスワードでログインしてください。",
	}
}

// NewInvalidResetTokenError は無効または期限切れのリセットトークンエラーを生成する。
func NewInvalidResetTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResetToken,
		Message:  "パスワード再設定リンクが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "もう一度パスワード再設定をリクエストしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidInputError は入力値バリデーションエラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewProfileLoadFailedError はプロフィール取得失敗エラーを生成する。
func NewProfileLoadFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeProfileLoadFailed,
		Message:  "Failed to load profile",
		Category: "profile",
		Action:   "ページを再読み込みしてください。",
		Err:      err,
	}
}

// NewProfileSaveFailedError はプロフィール保存失敗エラーを生成する。
// 元エラーのメッセージがあればそれを表示用メッセージとして使う。
func NewProfileSaveFailedError(err error) *APIError {
	msg := "Failed to save profile"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return &APIError{
		Code:     ErrCodeProfileSaveFailed,
		Message:  msg,
		Category: "profile",
		Action:   "入力内容はそのまま残っています。しばらく待ってから再度保存してください。",
		Err:      err,
	}
}
