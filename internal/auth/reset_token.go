package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/memberhub/internal/model"
)

const (
	resetTokenIssuer   = "memberhub"
	resetTokenAudience = "password-reset"
)

// ResetTokenIssuer はパスワード再設定用の署名付きトークンを発行・検証する。
// トークンはHS256のJWTで、jtiにpassword_resetsのID、subにユーザーIDを持つ。
// 使い切りの判定はpassword_resets側で行う。
type ResetTokenIssuer struct {
	secret []byte
}

// NewResetTokenIssuer はResetTokenIssuerを生成する。
func NewResetTokenIssuer(secret string) *ResetTokenIssuer {
	return &ResetTokenIssuer{secret: []byte(secret)}
}

// Issue はリセットリクエストに対応するトークンを発行する。
func (i *ResetTokenIssuer) Issue(reset *model.PasswordReset) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        reset.ID,
		Subject:   reset.UserID,
		Issuer:    resetTokenIssuer,
		Audience:  jwt.ClaimStrings{resetTokenAudience},
		IssuedAt:  jwt.NewNumericDate(reset.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(reset.ExpiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign reset token: %w", err)
	}
	return token, nil
}

// Parse はトークンの署名・発行者・用途・有効期限を検証し、クレームを返す。
func (i *ResetTokenIssuer) Parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(resetTokenIssuer),
		jwt.WithAudience(resetTokenAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid reset token: %w", err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, errors.New("invalid reset token: missing jti or sub")
	}
	return claims, nil
}
