// Package security はプロバイダー資格情報の保護と外部通信の安全性を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// EgressGuard はプロバイダーのトークン交換・検証エンドポイントへの外向き通信を制御する。
type EgressGuard interface {
	// NewClient はプロバイダー呼び出し用のHTTPクライアントを生成する。
	// timeoutは1回の呼び出し全体（接続から本文読み取りまで）の上限。
	NewClient(timeout time.Duration) *http.Client

	// ValidateEndpoint はエンドポイントURLを事前に検証する。
	// プロバイダーカタログの読み込み時に使用する。
	ValidateEndpoint(rawURL string) error
}

// allowedSchemes は外向き通信で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は外向き通信でブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// egressGuard はEgressGuardの実装。
type egressGuard struct {
	allowPrivate bool
}

// NewEgressGuard はEgressGuardを生成する。
// allowPrivateがtrueの場合、プライベートアドレスやループバックへの通信を許可する。
// ローカルのモックプロバイダーに接続するテスト・開発環境専用。
func NewEgressGuard(allowPrivate bool) EgressGuard {
	return &egressGuard{allowPrivate: allowPrivate}
}

// NewClient はプロバイダー呼び出し用のHTTPクライアントを生成する。
// 通常はsafeurlのクライアントを返し、DNS解決後のIPアドレスもDialerで検証する。
func (g *egressGuard) NewClient(timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証のみを行う。
func (g *egressGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if g.allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
