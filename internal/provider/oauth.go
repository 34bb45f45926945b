package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/efwoods/aar/internal/model"
)

// OAuthStrategy はOAuth認可コードフローによる連携。
//
//	Unconnected|Connected|Failed --BeginConnect--> Pending
//	Pending --CompleteConnect(成功)--> Connected
//	Pending --CompleteConnect(失敗)--> Failed
type OAuthStrategy struct {
	*caller
	store        *connectionStore
	states       *StateCodec
	callbackBase string
	now          func() time.Time
	logger       *slog.Logger
}

// tokenResponse はトークンエンドポイントのレスポンス。
// GitHubは拒否時も200でerrorフィールドを返す。
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Kind は方式の種別を返す。
func (s *OAuthStrategy) Kind() model.Strategy {
	return model.StrategyOAuth
}

// Connect は認可コードがあれば交換を行い、なければフローを開始する。
func (s *OAuthStrategy) Connect(ctx context.Context, def *Definition, userID string, m Material) (*Result, error) {
	if code := strings.TrimSpace(m.AuthorizationCode); code != "" {
		return s.CompleteConnect(ctx, def, userID, code)
	}
	if strings.TrimSpace(m.Token) != "" {
		return nil, ErrUnsupportedFlow
	}
	return s.BeginConnect(ctx, def, userID)
}

// BeginConnect は認可URLを生成し、新しいノンスでPendingを記録する。
// 進行中のフローがあっても置き換える。
func (s *OAuthStrategy) BeginConnect(ctx context.Context, def *Definition, userID string) (*Result, error) {
	if !def.OAuthConfigured() {
		return nil, ErrNotConfigured
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	state, err := s.states.Encode(State{
		UserID:     userID,
		ProviderID: def.ID,
		Nonce:      nonce,
		IssuedAt:   s.now(),
	})
	if err != nil {
		return nil, err
	}
	redirectURL, err := s.authorizeURL(def, state)
	if err != nil {
		return nil, err
	}

	conn, err := s.store.pending(ctx, userID, def, nonce)
	if err != nil {
		return nil, err
	}

	return &Result{Connection: conn, RedirectURL: redirectURL}, nil
}

// CompleteConnect は認可コードをアクセストークンに交換する。
// 連携がPendingでない場合はErrNotPendingを返し、何も書き込まない。
func (s *OAuthStrategy) CompleteConnect(ctx context.Context, def *Definition, userID, code string) (*Result, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrEmptyCredential
	}
	if !def.OAuthConfigured() {
		return nil, ErrNotConfigured
	}

	current, err := s.store.find(ctx, userID, def.ID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.State != model.ConnectionPending {
		return nil, ErrNotPending
	}

	accessToken, err := s.exchange(ctx, def, code)
	if err != nil {
		var xe *ExchangeError
		if !errors.As(err, &xe) {
			return nil, err
		}
		s.logger.Warn("token exchange failed",
			slog.String("provider", string(def.ID)),
			slog.String("user_id", userID),
			slog.String("reason", xe.Reason),
		)
		if _, saveErr := s.store.failed(ctx, userID, def, xe.Reason); saveErr != nil {
			return nil, saveErr
		}
		return nil, xe
	}

	conn, err := s.store.connected(ctx, userID, def, []byte(accessToken))
	if err != nil {
		return nil, err
	}
	return &Result{Connection: conn}, nil
}

// CallbackURL はプロバイダーが認可後にリダイレクトする先のURLを返す。
func (s *OAuthStrategy) CallbackURL(def *Definition) string {
	return strings.TrimRight(s.callbackBase, "/") + "/auth/callback/" + string(def.ID)
}

func (s *OAuthStrategy) authorizeURL(def *Definition, state string) (string, error) {
	u, err := url.Parse(def.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorize url for %s: %w", def.ID, err)
	}

	q := u.Query()
	q.Set("client_id", def.ClientID)
	q.Set("redirect_uri", s.CallbackURL(def))
	q.Set("response_type", "code")
	q.Set("state", state)
	if len(def.Scopes) > 0 {
		q.Set("scope", strings.Join(def.Scopes, " "))
	}
	for k, v := range def.AuthParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// exchange はトークンエンドポイントを呼び出す。
// 失敗はすべて*ExchangeErrorとして返す。
func (s *OAuthStrategy) exchange(ctx context.Context, def *Definition, code string) (string, error) {
	params := map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": s.CallbackURL(def),
	}
	if def.TokenRequest.ClientAuth == ClientAuthBody {
		params["client_id"] = def.ClientID
		params["client_secret"] = def.ClientSecret
	}

	var (
		body        io.Reader
		contentType string
	)
	switch def.TokenRequest.Body {
	case BodyJSON:
		raw, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("failed to encode token request: %w", err)
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	default:
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		body, contentType = strings.NewReader(form.Encode()), "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequest(http.MethodPost, def.TokenURL, body)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if def.TokenRequest.ClientAuth == ClientAuthBasic {
		req.SetBasicAuth(def.ClientID, def.ClientSecret)
	}

	status, respBody, err := s.do(ctx, def.ID, req)
	if err != nil {
		return "", err
	}

	var tr tokenResponse
	jsonErr := json.Unmarshal(respBody, &tr)

	if status/100 != 2 {
		reason := statusReason(status)
		if jsonErr == nil && tr.Error != "" {
			reason = fmt.Sprintf("%s: %s", reason, tr.Error)
		}
		return "", &ExchangeError{Provider: def.ID, Reason: reason}
	}
	if jsonErr != nil {
		return "", &ExchangeError{Provider: def.ID, Reason: "malformed token response", Err: jsonErr}
	}
	if tr.Error != "" {
		return "", &ExchangeError{Provider: def.ID, Reason: "authorization rejected: " + tr.Error}
	}
	if tr.AccessToken == "" {
		return "", &ExchangeError{Provider: def.ID, Reason: "empty access token"}
	}

	return tr.AccessToken, nil
}
