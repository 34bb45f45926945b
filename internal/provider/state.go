package provider

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/efwoods/aar/internal/model"
)

// ErrInvalidState はOAuthのstateパラメータが改ざん・破損している場合に返される。
var ErrInvalidState = errors.New("provider: invalid oauth state")

// stateNonceBytes はstateに含めるノンスのバイト長。
const stateNonceBytes = 16

// State はOAuthの認可リクエストに付与し、コールバックで受け取る値。
// コールバックにはセッショントークンが付かないため、ユーザーIDをここに載せる。
type State struct {
	UserID     string
	ProviderID model.ProviderID
	// Nonce はPending行のStateNonceと照合する。新しいBeginConnectで置き換わる。
	Nonce    string
	IssuedAt time.Time
}

// statePayload はstateのCBOR表現。
type statePayload struct {
	UserID     string `cbor:"1,keyasint"`
	ProviderID string `cbor:"2,keyasint"`
	Nonce      string `cbor:"3,keyasint"`
	IssuedAt   int64  `cbor:"4,keyasint"`
}

// StateCodec はstateをEd25519で署名・検証する。
// 形式は base64url(CBORペイロード || 64バイト署名)。
type StateCodec struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	enc     cbor.EncMode
}

// NewStateCodec は32バイトのシードから署名鍵を生成する。
func NewStateCodec(seed []byte) (*StateCodec, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("provider: state seed must be %d bytes", ed25519.SeedSize)
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("provider: creating CBOR encoder: %w", err)
	}
	private := ed25519.NewKeyFromSeed(seed)
	return &StateCodec{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
		enc:     enc,
	}, nil
}

// Encode はstateに署名して文字列化する。
func (c *StateCodec) Encode(s State) (string, error) {
	payload, err := c.enc.Marshal(statePayload{
		UserID:     s.UserID,
		ProviderID: string(s.ProviderID),
		Nonce:      s.Nonce,
		IssuedAt:   s.IssuedAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("provider: encoding state payload: %w", err)
	}

	signature := ed25519.Sign(c.private, payload)

	raw := make([]byte, len(payload)+ed25519.SignatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], signature)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode は署名を検証してstateを復元する。
func (c *StateCodec) Decode(encoded string) (State, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) <= ed25519.SignatureSize {
		return State{}, ErrInvalidState
	}

	split := len(raw) - ed25519.SignatureSize
	payload, signature := raw[:split], raw[split:]
	if !ed25519.Verify(c.public, payload, signature) {
		return State{}, ErrInvalidState
	}

	var p statePayload
	if err := cbor.Unmarshal(payload, &p); err != nil {
		return State{}, ErrInvalidState
	}
	if p.UserID == "" || p.ProviderID == "" || p.Nonce == "" {
		return State{}, ErrInvalidState
	}

	return State{
		UserID:     p.UserID,
		ProviderID: model.ProviderID(p.ProviderID),
		Nonce:      p.Nonce,
		IssuedAt:   time.Unix(p.IssuedAt, 0),
	}, nil
}

// newNonce はランダムなノンスを16進文字列で返す。
func newNonce() (string, error) {
	b := make([]byte, stateNonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("provider: generating nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
