package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// keySize は派生する対称鍵のバイト長。
const keySize = 32

// SealedVersion は暗号化済み資格情報の先頭に付与するフォーマットバージョン。
// AADにも含めるため、書き換えると復号に失敗する。
const SealedVersion byte = 0x01

// SealedOverhead は暗号化による増分バイト数: version(1) + nonce(24) + tag(16)。
const SealedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// fingerprintLen はフィンガープリントとして公開するハッシュのバイト長。
const fingerprintLen = 8

// HKDFのinfo。変更すると既存の暗号文はすべて復号できなくなる。
var (
	hkdfInfoSeal        = []byte("aar.connection.secret.v1")
	hkdfInfoFingerprint = []byte("aar.connection.fingerprint.v1")
)

// ErrSealedTooShort は暗号文がフォーマットの最小長に満たない場合に返される。
var ErrSealedTooShort = errors.New("security: sealed secret is too short")

// SecretBox はプロバイダー資格情報を保存前に暗号化する。
// XChaCha20-Poly1305で暗号化し、(userID, providerID)をAADとして束縛するため、
// 別ユーザー・別プロバイダーの行に暗号文を移し替えると復号に失敗する。
type SecretBox struct {
	aead           cipher.AEAD
	fingerprintKey []byte
}

// NewSecretBox はマスターキーから用途別の鍵をHKDF-SHA256で派生してSecretBoxを生成する。
func NewSecretBox(masterKey []byte) (*SecretBox, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("security: empty master key")
	}

	sealKey, err := deriveKey(masterKey, hkdfInfoSeal)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	fpKey, err := deriveKey(masterKey, hkdfInfoFingerprint)
	if err != nil {
		return nil, err
	}

	return &SecretBox{aead: aead, fingerprintKey: fpKey}, nil
}

// Seal は平文を暗号化する。出力は [version][nonce][ciphertext+tag]。
func (b *SecretBox) Seal(userID, providerID string, plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+b.aead.Overhead())
	out[0] = SealedVersion
	copy(out[1:], nonce[:])

	return b.aead.Seal(out, nonce[:], plaintext, buildAAD(SealedVersion, userID, providerID)), nil
}

// Open はSealで暗号化されたデータを復号する。
// 鍵・AAD・暗号文のいずれかが一致しない場合はエラーを返す。
func (b *SecretBox) Open(userID, providerID string, sealed []byte) ([]byte, error) {
	if len(sealed) < SealedOverhead {
		return nil, ErrSealedTooShort
	}

	version := sealed[0]
	if version != SealedVersion {
		return nil, fmt.Errorf("security: sealed secret version %d is not supported", version)
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := b.aead.Open(nil, nonce, ciphertext, buildAAD(version, userID, providerID))
	if err != nil {
		return nil, fmt.Errorf("security: failed to open sealed secret: %w", err)
	}
	return plaintext, nil
}

// Fingerprint は資格情報の識別子を返す。
// BLAKE3の鍵付きハッシュの先頭8バイトを16進表記したもので、平文は復元できない。
// 同じ資格情報は常に同じ値になるため、再連携時にキーが変わったかを判別できる。
func (b *SecretBox) Fingerprint(plaintext []byte) string {
	hasher, err := blake3.NewKeyed(b.fingerprintKey)
	if err != nil {
		panic("security: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(plaintext)
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:fingerprintLen])
}

// DeriveKey はマスターキーから用途別の32バイト鍵を派生する。
// infoは用途ごとに一意の文字列を指定する。
func DeriveKey(masterKey []byte, info string) ([]byte, error) {
	return deriveKey(masterKey, []byte(info))
}

func deriveKey(masterKey, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey, nil, info)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return derived, nil
}

// buildAAD はversion || userID || 0x00 || providerID を構築する。
// 区切りのNULにより("ab","c")と("a","bc")が同じAADにならない。
func buildAAD(version byte, userID, providerID string) []byte {
	aad := make([]byte, 0, 2+len(userID)+len(providerID))
	aad = append(aad, version)
	aad = append(aad, userID...)
	aad = append(aad, 0)
	aad = append(aad, providerID...)
	return aad
}
