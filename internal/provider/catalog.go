package provider

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/efwoods/aar/internal/model"
	"github.com/efwoods/aar/internal/security"
)

//go:embed providers.yaml
var defaultCatalogYAML []byte

// トークン交換リクエストの形式。
const (
	BodyForm = "form"
	BodyJSON = "json"

	ClientAuthBody  = "body"
	ClientAuthBasic = "basic"
)

// DefaultKeyHeader はAPIキー検証時の既定のヘッダー名。
const DefaultKeyHeader = "X-Api-Key"

// TokenRequest はトークンエンドポイントへのリクエスト形式。
type TokenRequest struct {
	// Body は"form"(application/x-www-form-urlencoded)または"json"。
	Body string `yaml:"body"`
	// ClientAuth は"body"(client_id/client_secretを本文に含める)または"basic"(Basic認証)。
	ClientAuth string `yaml:"client_auth"`
}

// Definition はプロバイダーの静的な設定。
// Strategyによって連携方式が決まり、呼び出し側はプロバイダー名で分岐しない。
type Definition struct {
	ID           model.ProviderID  `yaml:"id"`
	DisplayName  string            `yaml:"display_name"`
	Aliases      []string          `yaml:"aliases"`
	Strategy     model.Strategy    `yaml:"strategy"`
	AuthorizeURL string            `yaml:"authorize_url"`
	TokenURL     string            `yaml:"token_url"`
	Scopes       []string          `yaml:"scopes"`
	AuthParams   map[string]string `yaml:"auth_params"`
	TokenRequest TokenRequest      `yaml:"token_request"`
	VerifyURL    string            `yaml:"verify_url"`
	KeyHeader    string            `yaml:"key_header"`
	VerifyKeys   bool              `yaml:"verify_keys"`

	// クライアント資格情報はサーバー側の設定からのみ注入する。
	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
}

// OAuthConfigured はOAuthのクライアント資格情報が設定済みかを返す。
func (d *Definition) OAuthConfigured() bool {
	return d.ClientID != "" && d.ClientSecret != ""
}

type catalogFile struct {
	Providers []Definition `yaml:"providers"`
}

// Catalog はプロバイダーIDから設定への静的な対応表。
// 起動時に構築し、以降は読み取り専用。
type Catalog struct {
	defs    map[model.ProviderID]*Definition
	aliases map[string]model.ProviderID
	order   []model.ProviderID
}

// DefaultCatalog は組み込みのカタログを返す。
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalog はファイルからカタログを読み込む。pathが空の場合は組み込みのカタログを返す。
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog はYAMLからカタログを構築する。
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("provider catalog is empty")
	}

	c := &Catalog{
		defs:    make(map[model.ProviderID]*Definition),
		aliases: make(map[string]model.ProviderID),
	}
	for i := range file.Providers {
		def := file.Providers[i]
		if err := normalizeDefinition(&def); err != nil {
			return nil, err
		}
		if _, dup := c.defs[def.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id: %s", def.ID)
		}
		c.defs[def.ID] = &def
		c.order = append(c.order, def.ID)

		for _, name := range append([]string{string(def.ID)}, def.Aliases...) {
			key := strings.ToLower(name)
			if owner, taken := c.aliases[key]; taken {
				return nil, fmt.Errorf("provider name %q is used by both %s and %s", name, owner, def.ID)
			}
			c.aliases[key] = def.ID
		}
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })

	return c, nil
}

func normalizeDefinition(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("provider without id")
	}

	switch def.Strategy {
	case model.StrategyOAuth:
		if def.AuthorizeURL == "" || def.TokenURL == "" {
			return fmt.Errorf("oauth provider %s requires authorize_url and token_url", def.ID)
		}
		if def.TokenRequest.Body == "" {
			def.TokenRequest.Body = BodyForm
		}
		if def.TokenRequest.ClientAuth == "" {
			def.TokenRequest.ClientAuth = ClientAuthBody
		}
		if def.TokenRequest.Body != BodyForm && def.TokenRequest.Body != BodyJSON {
			return fmt.Errorf("provider %s: unknown token_request.body %q", def.ID, def.TokenRequest.Body)
		}
		if def.TokenRequest.ClientAuth != ClientAuthBody && def.TokenRequest.ClientAuth != ClientAuthBasic {
			return fmt.Errorf("provider %s: unknown token_request.client_auth %q", def.ID, def.TokenRequest.ClientAuth)
		}

	case model.StrategyAPIKey:
		if def.KeyHeader == "" {
			def.KeyHeader = DefaultKeyHeader
		}

	default:
		return fmt.Errorf("provider %s: unknown strategy %q", def.ID, def.Strategy)
	}
	return nil
}

// Resolve はプロバイダーIDまたは別名（大文字小文字を区別しない）から設定を返す。
func (c *Catalog) Resolve(name string) (*Definition, bool) {
	id, ok := c.aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return c.defs[id], true
}

// Lookup はプロバイダーIDから設定を返す。
func (c *Catalog) Lookup(id model.ProviderID) (*Definition, bool) {
	def, ok := c.defs[id]
	return def, ok
}

// Definitions はID順の全プロバイダー設定を返す。
func (c *Catalog) Definitions() []*Definition {
	defs := make([]*Definition, 0, len(c.order))
	for _, id := range c.order {
		defs = append(defs, c.defs[id])
	}
	return defs
}

// SetClientCredentials はOAuthプロバイダーのクライアント資格情報を設定する。
// 空文字列は既存の値を変更しない。
func (c *Catalog) SetClientCredentials(id model.ProviderID, clientID, clientSecret string) error {
	def, ok := c.defs[id]
	if !ok {
		return fmt.Errorf("unknown provider: %s", id)
	}
	if clientID != "" {
		def.ClientID = clientID
	}
	if clientSecret != "" {
		def.ClientSecret = clientSecret
	}
	return nil
}

// SetVerifyKeys はAPIキー方式のプロバイダーで、保存前にキーを検証するかを設定する。
func (c *Catalog) SetVerifyKeys(id model.ProviderID, verify bool) error {
	def, ok := c.defs[id]
	if !ok {
		return fmt.Errorf("unknown provider: %s", id)
	}
	if verify && def.VerifyURL == "" {
		return fmt.Errorf("provider %s has no verify_url", id)
	}
	def.VerifyKeys = verify
	return nil
}

// ValidateEndpoints は全エンドポイントURLを外向き通信の制約に照らして検証する。
func (c *Catalog) ValidateEndpoints(guard security.EgressGuard) error {
	for _, def := range c.Definitions() {
		for _, u := range []string{def.AuthorizeURL, def.TokenURL, def.VerifyURL} {
			if u == "" {
				continue
			}
			if err := guard.ValidateEndpoint(u); err != nil {
				return fmt.Errorf("provider %s: %w", def.ID, err)
			}
		}
	}
	return nil
}
