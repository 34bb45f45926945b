package security

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes はbcryptが扱えるパスワードの最大バイト長。
// これを超える部分は黙って切り捨てられるため、受け付けない。
const MaxPasswordBytes = 72

// ErrPasswordTooLong はパスワードがMaxPasswordBytesを超える場合に返される。
var ErrPasswordTooLong = errors.New("security: password exceeds 72 bytes")

// PasswordHasher はbcryptによるパスワードハッシュの生成と照合を行う。
type PasswordHasher struct {
	cost int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordHasher はPasswordHasherを生成する。
// costが範囲外の場合はbcrypt.DefaultCostを使用する。
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash はパスワードのソルト付きハッシュを返す。
func (h *PasswordHasher) Hash(password string) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare はハッシュとパスワードが一致するかを返す。
func (h *PasswordHasher) Compare(hash, password string) bool {
	if len(password) > MaxPasswordBytes {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CompareDummy は存在しないユーザーに対しても同等のbcrypt計算を行う。
// ユーザーの有無を応答時間から推測されないようにする。
func (h *PasswordHasher) CompareDummy(password string) {
	h.dummyOnce.Do(func() {
		h.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
}
