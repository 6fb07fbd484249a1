package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 6

// errEmptyPassword は空パスワードのハッシュ化を拒否する。
var errEmptyPassword = errors.New("password must not be empty")

// HashPassword はbcryptでパスワードハッシュを生成する。
// costが0の場合はbcrypt.DefaultCostを使う。
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errEmptyPassword
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// ComparePassword は平文パスワードとハッシュが一致するかを返す。
func ComparePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// passwordLongEnough はパスワードが最小文字数を満たすかを返す。文字数はrune単位。
func passwordLongEnough(password string) bool {
	return len([]rune(password)) >= MinPasswordLength
}
