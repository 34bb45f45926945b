// Package session はユーザーIDに束縛された署名付きセッショントークンの発行と検証を行う。
// トークンは自己完結しており、検証にストアへの問い合わせは不要。
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSigningKeyBytes はHS256署名鍵の最小バイト長。
const MinSigningKeyBytes = 32

// DefaultTTL はトークンの既定の有効期間。
const DefaultTTL = 24 * time.Hour

var (
	// ErrInvalidToken は形式不正・署名不一致・想定外のアルゴリズムのトークンに返される。
	ErrInvalidToken = errors.New("session: invalid token")
	// ErrExpiredToken は署名は正しいが有効期限を過ぎたトークンに返される。
	ErrExpiredToken = errors.New("session: token expired")
)

// Config はIssuerの設定。
type Config struct {
	// SigningKey はHS256の署名鍵。起動時に1回だけ読み込む。
	// 変更すると発行済みのトークンはすべて無効になる。
	SigningKey []byte
	// TTL はトークンの有効期間。0の場合はDefaultTTL。
	TTL time.Duration
	// Now は現在時刻の取得関数。nilの場合はtime.Now。
	Now func() time.Time
}

// Issuer はセッショントークンを発行・検証する。
// 生成後は不変で、複数のgoroutineから同時に使用できる。
type Issuer struct {
	key    []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// NewIssuer はIssuerを生成する。
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.SigningKey) < MinSigningKeyBytes {
		return nil, fmt.Errorf("session: signing key must be at least %d bytes", MinSigningKeyBytes)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)

	return &Issuer{
		key: key,
		ttl: ttl,
		now: now,
		// 有効期限は署名検証後にValidateで判定する。
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// TTL はトークンの有効期間を返す。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue はuserIDに束縛されたトークンを発行し、トークン文字列と有効期限を返す。
// 署名はsub・iat・exp・jtiを含むクレーム全体を対象とする。
func (i *Issuer) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("session: empty user id")
	}

	issuedAt := i.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.ttl)

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Validate はトークンを検証し、束縛されたuserIDを返す。
// 署名が正しくない場合はErrInvalidToken、署名が正しく now >= exp の場合はErrExpiredTokenを返す。
func (i *Issuer) Validate(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	var claims jwt.RegisteredClaims
	_, err := i.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}

	if claims.Subject == "" || claims.ExpiresAt == nil {
		return "", ErrInvalidToken
	}
	if !i.now().Before(claims.ExpiresAt.Time) {
		return "", ErrExpiredToken
	}

	return claims.Subject, nil
}
