package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/hitoshi/memberhub/internal/auth"
)

// 画面に表示するメッセージ
const (
	msgSignInFailed      = "Failed to sign in"
	msgSignupFailed      = "Failed to create an account"
	msgGoogleFailed      = "Failed to sign in with Google"
	msgPasswordMismatch  = "Passwords do not match"
	msgCheckInbox        = "Check your inbox for further instructions"
	msgResetFailed       = "Failed to reset password"
	msgResetLinkInvalid  = "This password reset link is invalid or has expired"
	msgPasswordUpdated   = "Your password has been updated. Please log in."
	msgProfileLoadFailed = "Failed to load profile"
	msgProfileSaveFailed = "Failed to save profile"
	msgProfileSaved      = "Profile saved successfully!"

	msgSessionUnavailable = "We could not check your session"

	msgEmailRequired = "Email is required"
	msgEmailInvalid  = "Enter a valid email address"
)

type loginForm struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (f loginForm) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Email, validation.Required.Error(msgEmailRequired), is.Email.Error(msgEmailInvalid)),
		validation.Field(&f.Password, validation.Required.Error("Password is required")),
	)
}

type signupForm struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

// Validate は確認用パスワードの一致を他の検証より先に確認する。
func (f signupForm) Validate() error {
	if f.Password != f.PasswordConfirm {
		return validation.Errors{"password_confirm": errors.New(msgPasswordMismatch)}
	}
	return validation.ValidateStruct(&f,
		validation.Field(&f.Email, validation.Required.Error(msgEmailRequired), is.Email.Error(msgEmailInvalid)),
		validation.Field(&f.Password,
			validation.Required.Error("Password is required"),
			validation.RuneLength(auth.MinPasswordLength, 0).Error(weakPasswordMessage()),
		),
	)
}

type forgotForm struct {
	Email string `json:"email"`
}

func (f forgotForm) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Email, validation.Required.Error(msgEmailRequired), is.Email.Error(msgEmailInvalid)),
	)
}

type resetForm struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

func (f resetForm) Validate() error {
	if f.Password != f.PasswordConfirm {
		return validation.Errors{"password_confirm": errors.New(msgPasswordMismatch)}
	}
	return validation.ValidateStruct(&f,
		validation.Field(&f.Token, validation.Required.Error(msgResetLinkInvalid)),
		validation.Field(&f.Password,
			validation.Required.Error("Password is required"),
			validation.RuneLength(auth.MinPasswordLength, 0).Error(weakPasswordMessage()),
		),
	)
}

func weakPasswordMessage() string {
	return fmt.Sprintf("Password should be at least %d characters", auth.MinPasswordLength)
}

// fieldErrors はozzo-validationのエラーを入力欄ごとのメッセージに変換する。
// 入力欄に紐付かないエラーの場合はnilを返す。
func fieldErrors(err error) map[string]string {
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return nil
	}
	fields := make(map[string]string, len(errs))
	for field, e := range errs {
		fields[field] = e.Error()
	}
	return fields
}

// formValue はフォームの値を前後の空白を除いて返す。パスワードには使わない。
func formValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.PostFormValue(key))
}
