// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efwoods/aar/internal/auth"
	"github.com/efwoods/aar/internal/middleware"
	"github.com/efwoods/aar/internal/model"
	"github.com/efwoods/aar/internal/provider"
)

// maxRequestBodyBytes はJSONリクエストボディの読み取り上限。
const maxRequestBodyBytes = 64 << 10

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// 返すエラーは*model.APIErrorを想定する。
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password string) (*model.User, error)
	Login(ctx context.Context, email, password string) (*auth.Token, error)
	Authenticate(ctx context.Context, token string) (string, error)
	ConnectAs(ctx context.Context, userID, providerName string, m provider.Material) (*provider.Result, error)
	Callback(ctx context.Context, providerName, code, state string) (*provider.Result, error)
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
	Connections(ctx context.Context, userID string) ([]*model.ProviderConnection, error)
	Disconnect(ctx context.Context, userID, providerName string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// BaseURL はOAuthコールバック完了後のリダイレクト先（フロントエンド）。
	BaseURL string
}

// AuthHandler はアカウントとプロバイダー連携のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type connectRequest struct {
	Token             string `json:"token"`
	AuthorizationCode string `json:"authorizationCode"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// connectionResponse は連携状態のAPIレスポンス。資格情報そのものは含めない。
type connectionResponse struct {
	Status      string     `json:"status"`
	Provider    string     `json:"provider"`
	Strategy    string     `json:"strategy,omitempty"`
	RedirectURL string     `json:"redirect_url,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

type connectionListResponse struct {
	Connections []connectionResponse `json:"connections"`
}

// Register はアカウントを作成する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	if _, err := h.service.Register(r.Context(), req.Email, req.Password); err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, messageResponse{Message: "アカウントを作成しました。"})
}

// Login はメールアドレスとパスワードを検証し、セッショントークンを返す。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	token, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   "bearer",
		ExpiresAt:   token.ExpiresAt.UTC(),
	})
}

// Connect はプロバイダーとの連携を進める。
// ボディのtoken（APIキー）またはauthorizationCodeを使う。
// OAuthプロバイダーで両方空の場合は認可フローを開始し、redirect_urlを返す。
// POST /auth/connect/{providerId}
func (h *AuthHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
		return
	}

	// OAuthフロー開始ではボディを省略できる
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		middleware.WriteError(w, err)
		return
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}

	res, err := h.service.ConnectAs(r.Context(), userID, chi.URLParam(r, "providerId"), provider.Material{
		Token:             req.Token,
		AuthorizationCode: req.AuthorizationCode,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	resp := toConnectionResponse(res.Connection)
	resp.RedirectURL = res.RedirectURL
	writeJSON(w, http.StatusOK, resp)
}

// Callback はOAuthプロバイダーからのリダイレクトを受けて連携を完了する。
// 結果はBaseURLへのリダイレクトのクエリで通知する。
// GET /auth/callback/{providerId}?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "providerId")
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		slog.Warn("oauth authorization denied",
			slog.String("provider", providerName),
			slog.String("error", providerErr),
		)
		h.redirectResult(w, r, providerName, model.ConnectionFailed)
		return
	}

	res, err := h.service.Callback(r.Context(), providerName, q.Get("code"), q.Get("state"))
	if err != nil {
		slog.Warn("oauth callback failed",
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		h.redirectResult(w, r, providerName, model.ConnectionFailed)
		return
	}

	h.redirectResult(w, r, string(res.Connection.ProviderID), res.Connection.State)
}

// Me は現在のユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:        user.ID,
		Email:     user.Email,
		CreatedAt: user.CreatedAt.UTC(),
	})
}

// ListConnections は全プロバイダーの連携状態を返す。
// GET /auth/connections
func (h *AuthHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
		return
	}

	conns, err := h.service.Connections(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	resp := connectionListResponse{Connections: make([]connectionResponse, 0, len(conns))}
	for _, c := range conns {
		resp.Connections = append(resp.Connections, toConnectionResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Disconnect はプロバイダー連携を解除する。
// DELETE /auth/connections/{providerId}
func (h *AuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
		return
	}

	if err := h.service.Disconnect(r.Context(), userID, chi.URLParam(r, "providerId")); err != nil {
		middleware.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword はパスワードを変更する。
// POST /auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	if err := h.service.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		middleware.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// redirectResult はBaseURLにprovider・statusを付けてリダイレクトする。
func (h *AuthHandler) redirectResult(w http.ResponseWriter, r *http.Request, providerName string, state model.ConnectionState) {
	target, err := url.Parse(h.config.BaseURL)
	if err != nil {
		slog.Error("invalid base url", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	q := target.Query()
	q.Set("provider", providerName)
	q.Set("status", string(state))
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
}

func toConnectionResponse(c *model.ProviderConnection) connectionResponse {
	resp := connectionResponse{
		Status:      string(c.State),
		Provider:    string(c.ProviderID),
		Strategy:    string(c.Strategy),
		Fingerprint: c.SecretFingerprint,
		LastError:   c.LastError,
	}
	if !c.LastUpdated.IsZero() {
		t := c.LastUpdated.UTC()
		resp.LastUpdated = &t
	}
	return resp
}

// errEmptyBody はリクエストボディが空の場合に返される。
var errEmptyBody = fmt.Errorf("%w", model.NewInvalidInputError("リクエストボディが空です"))

// decodeJSON はリクエストボディをJSONとして読み取る。
// 失敗時は*model.APIErrorを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errEmptyBody
		case errors.As(err, &maxErr):
			return model.NewInvalidInputError("リクエストボディが大きすぎます")
		default:
			return model.NewInvalidInputError("JSONの形式が正しくありません")
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
