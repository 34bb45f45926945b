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
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/efwoods/aar/internal/database"
	"github.com/efwoods/aar/internal/model"
	"github.com/efwoods/aar/internal/repository"
	"github.com/efwoods/aar/internal/security"
)

// mockProvider はOAuthトークンエンドポイントとAPIキー検証エンドポイントを模倣する。
type mockProvider struct {
	server     *httptest.Server
	tokenCalls atomic.Int32
	delay      atomic.Int64

	mu sync.Mutex
	// lastForm は直近のフォーム形式トークンリクエスト。
	lastForm url.Values
	// lastJSON は直近のJSON形式トークンリクエスト。
	lastJSON  map[string]string
	lastBasic [2]string
}

func (p *mockProvider) form() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastForm
}

func (p *mockProvider) jsonBody() (map[string]string, [2]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastJSON, p.lastBasic
}

func newMockProvider(t *testing.T) *mockProvider {
	t.Helper()
	p := &mockProvider{}

	mux := http.NewServeMux()
	mux.HandleFunc("/form/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.lastForm = r.PostForm
		p.mu.Unlock()
		p.respondToken(w, r.PostForm.Get("code"))
	})
	mux.HandleFunc("/json/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		user, pass, _ := r.BasicAuth()
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.lastJSON, p.lastBasic = body, [2]string{user, pass}
		p.mu.Unlock()
		p.respondToken(w, body["code"])
	})
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "valid-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"u1"}`)
	})

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *mockProvider) respondToken(w http.ResponseWriter, code string) {
	if d := time.Duration(p.delay.Load()); d > 0 {
		time.Sleep(d)
	}
	w.Header().Set("Content-Type", "application/json")
	switch code {
	case "good-code":
		io.WriteString(w, `{"access_token":"tok-123","token_type":"bearer"}`)
	case "rejected-code":
		io.WriteString(w, `{"error":"bad_verification_code","error_description":"expired"}`)
	case "server-error":
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"server_error"}`)
	case "not-json":
		io.WriteString(w, `<html>`)
	default:
		io.WriteString(w, `{"access_token":""}`)
	}
}

func (p *mockProvider) catalog(t *testing.T, verifyKeys bool) *Catalog {
	t.Helper()
	base := p.server.URL
	c, err := ParseCatalog([]byte(fmt.Sprintf(`
providers:
  - id: issue-tracker
    aliases: [github]
    strategy: oauth
    authorize_url: %[1]s/form/authorize
    token_url: %[1]s/form/token
    scopes: [repo, read:user]
  - id: workspace-notes
    aliases: [notion]
    strategy: oauth
    authorize_url: %[1]s/json/authorize
    token_url: %[1]s/json/token
    auth_params:
      owner: user
    token_request:
      body: json
      client_auth: basic
  - id: time-tracker
    aliases: [clockify]
    strategy: api_key
    verify_url: %[1]s/verify
    verify_keys: %[2]t
`, base, verifyKeys)))
	require.NoError(t, err)
	require.NoError(t, c.SetClientCredentials(model.ProviderIssueTracker, "gh-client", "gh-secret"))
	require.NoError(t, c.SetClientCredentials(model.ProviderWorkspaceNotes, "notion-client", "notion-secret"))
	return c
}

type managerFixture struct {
	manager  *Manager
	conns    repository.ConnectionRepository
	users    repository.UserRepository
	box      *security.SecretBox
	provider *mockProvider
}

type managerOption func(*ManagerConfig)

func newManagerFixture(t *testing.T, verifyKeys bool, opts ...managerOption) *managerFixture {
	t.Helper()

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "provider.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.MigrateSQLite(db))

	box, err := security.NewSecretBox(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	p := newMockProvider(t)
	cfg := ManagerConfig{
		Catalog:         p.catalog(t, verifyKeys),
		Connections:     repository.NewSQLiteConnectionRepo(db),
		SecretBox:       box,
		StateCodec:      newTestStateCodec(t, 0x33),
		HTTPClient:      security.NewEgressGuard(true).NewClient(0),
		Timeout:         2 * time.Second,
		CallbackBaseURL: "https://aar.example.com/",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)

	return &managerFixture{
		manager:  m,
		conns:    cfg.Connections,
		users:    repository.NewSQLiteUserRepo(db),
		box:      box,
		provider: p,
	}
}

func (f *managerFixture) newUser(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, f.users.Create(context.Background(), &model.User{
		ID:           id,
		Email:        id + "@example.com",
		PasswordHash: "hash",
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	return id
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	require.Error(t, err)
}

func TestManager_Resolve(t *testing.T) {
	f := newManagerFixture(t, false)

	id, err := f.manager.Resolve("GitHub")
	require.NoError(t, err)
	require.Equal(t, model.ProviderIssueTracker, id)

	_, err = f.manager.Resolve("gitlab")
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestManager_APIKey(t *testing.T) {
	ctx := context.Background()

	t.Run("再連携では1件のみ残り、最新のキーで置き換わる", func(t *testing.T) {
		f := newManagerFixture(t, false)
		userID := f.newUser(t)

		first, err := f.manager.Connect(ctx, userID, model.ProviderTimeTracker, Material{Token: "KEY1"})
		require.NoError(t, err)
		require.Equal(t, model.ConnectionConnected, first.Connection.State)
		require.Empty(t, first.RedirectURL)

		second, err := f.manager.Connect(ctx, userID, model.ProviderTimeTracker, Material{Token: "  KEY2  "})
		require.NoError(t, err)
		require.NotEqual(t, first.Connection.SecretFingerprint, second.Connection.SecretFingerprint)

		list, err := f.conns.ListByUserID(ctx, userID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.NotContains(t, string(list[0].SecretMaterial), "KEY2")

		secret, err := f.manager.RevealSecret(ctx, userID, model.ProviderTimeTracker)
		require.NoError(t, err)
		require.Equal(t, "KEY2", string(secret))
	})

	t.Run("空のキーはErrEmptyCredentialで何も書き込まない", func(t *testing.T) {
		f := newManagerFixture(t, false)
		userID := f.newUser(t)

		_, err := f.manager.Connect(ctx, userID, model.ProviderTimeTracker, Material{Token: "   "})
		require.ErrorIs(t, err, ErrEmptyCredential)

		conn, err := f.manager.GetConnection(ctx, userID, model.ProviderTimeTracker)
		require.NoError(t, err)
		require.Nil(t, conn)
	})

	t.Run("認可コードのみはErrUnsupportedFlow", func(t *testing.T) {
		f := newManagerFixture(t, false)
		_, err := f.manager.Connect(ctx, f.newUser(t), model.ProviderTimeTracker, Material{AuthorizationCode: "code"})
		require.ErrorIs(t, err, ErrUnsupportedFlow)
	})

	t.Run("検証有効時、拒否されたキーは保存しない", func(t *testing.T) {
		f := newManagerFixture(t, true)
		userID := f.newUser(t)

		_, err := f.manager.Connect(ctx, userID, model.ProviderTimeTracker, Material{Token: "wrong-key"})
		var xe *ExchangeError
		require.ErrorAs(t, err, &xe)
		require.Equal(t, model.ProviderTimeTracker, xe.Provider)
		require.Contains(t, xe.Reason, "401")

		conn, err := f.manager.GetConnection(ctx, userID, model.ProviderTimeTracker)
		require.NoError(t, err)
		require.Nil(t, conn)

		res, err := f.manager.Connect(ctx, userID, model.ProviderTimeTracker, Material{Token: "valid-key"})
		require.NoError(t, err)
		require.True(t, res.Connection.IsConnected())
	})

	t.Run("検証有効時、拒否されたキーは既存の連携を上書きしない", func(t *testing.T) {
		f := newManagerFixture(t, true)
		userID := f.newUser(t)

		before, err := f.manager.Connect(ctx, userID, model.ProviderTimeTracker, Material{Token: "valid-key"})
		require.NoError(t, err)

		_, err = f.manager.Connect(ctx, userID, model.ProviderTimeTracker, Material{Token: "wrong-key"})
		var xe *ExchangeError
		require.ErrorAs(t, err, &xe)

		conn, err := f.manager.GetConnection(ctx, userID, model.ProviderTimeTracker)
		require.NoError(t, err)
		require.NotNil(t, conn)
		require.Equal(t, model.ConnectionConnected, conn.State)
		require.Empty(t, conn.LastError)
		require.Equal(t, before.Connection.SecretFingerprint, conn.SecretFingerprint)

		secret, err := f.manager.RevealSecret(ctx, userID, model.ProviderTimeTracker)
		require.NoError(t, err)
		require.Equal(t, "valid-key", string(secret))
	})

	t.Run("BeginConnectはAPIキー方式ではErrUnsupportedFlow", func(t *testing.T) {
		f := newManagerFixture(t, false)
		_, err := f.manager.BeginConnect(ctx, f.newUser(t), model.ProviderTimeTracker)
		require.ErrorIs(t, err, ErrUnsupportedFlow)
	})
}

func TestManager_OAuthFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("開始するとPendingになり認可URLを返す", func(t *testing.T) {
		f := newManagerFixture(t, false)
		userID := f.newUser(t)

		res, err := f.manager.Connect(ctx, userID, model.ProviderIssueTracker, Material{})
		require.NoError(t, err)
		require.Equal(t, model.ConnectionPending, res.Connection.State)
		require.NotEmpty(t, res.Connection.StateNonce)

		u, err := url.Parse(res.RedirectURL)
		require.NoError(t, err)
		require.Equal(t, "/form/authorize", u.Path)
		q := u.Query()
		require.Equal(t, "gh-client", q.Get("client_id"))
		require.Equal(t, "code", q.Get("response_type"))
		require.Equal(t, "repo read:user", q.Get("scope"))
		require.Equal(t, "https://aar.example.com/auth/callback/issue-tracker", q.Get("redirect_uri"))
		require.NotEmpty(t, q.Get("state"))

		stored, err := f.manager.GetConnection(ctx, userID, model.ProviderIssueTracker)
		require.NoError(t, err)
		require.Equal(t, model.ConnectionPending, stored.State)
		require.False(t, stored.IsConnected())
	})

	t.Run("交換に成功するとConnected", func(t *testing.T) {
		f := newManagerFixture(t, false)
		userID := f.newUser(t)

		_, err := f.manager.BeginConnect(ctx, userID, model.ProviderIssueTracker)
		require.NoError(t, err)

		res, err := f.manager.CompleteConnect(ctx, userID, model.ProviderIssueTracker, "good-code")
		require.NoError(t, err)
		require.Equal(t, model.ConnectionConnected, res.Connection.State)
		form := f.provider.form()
		require.Equal(t, "gh-client", form.Get("client_id"))
		require.Equal(t, "gh-secret", form.Get("client_secret"))
		require.Equal(t, "authorization_code", form.Get("grant_type"))

		secret, err := f.manager.RevealSecret(ctx, userID, model.ProviderIssueTracker)
		require.NoError(t, err)
		require.Equal(t, "tok-123", string(secret))
	})

	t.Run("JSON形式とBasic認証で交換する", func(t *testing.T) {
		f := newManagerFixture(t, false)
		userID := f.newUser(t)

		begin, err := f.manager.BeginConnect(ctx, userID, model.ProviderWorkspaceNotes)
		require.NoError(t, err)
		u, err := url.Parse(begin.RedirectURL)
		require.NoError(t, err)
		require.Equal(t, "user", u.Query().Get("owner"))

		_, err = f.manager.Connect(ctx, userID, model.ProviderWorkspaceNotes, Material{AuthorizationCode: "good-code"})
		require.NoError(t, err)
		body, basic := f.provider.jsonBody()
		require.Equal(t, [2]string{"notion-client", "notion-secret"}, basic)
		require.Equal(t, "good-code", body["code"])
		require.NotContains(t, body, "client_secret")
	})

	t.Run("交換に失敗するとFailedになり、再開始でPendingに戻る", func(t *testing.T) {
		f := newManagerFixture(t, false)
		userID := f.newUser(t)

		_, err := f.manager.BeginConnect(ctx, userID, model.ProviderIssueTracker)
		require.NoError(t, err)

		_, err = f.manager.CompleteConnect(ctx, userID, model.ProviderIssueTracker, "rejected-code")
		var xe *ExchangeError
		require.ErrorAs(t, err, &xe)
		require.Contains(t, xe.Reason, "bad_verification_code")

		stored, err := f.manager.GetConnection(ctx, userID, model.ProviderIssueTracker)
		require.NoError(t, err)
		require.Equal(t, model.ConnectionFailed, stored.State)
		require.Contains(t, stored.LastError, "bad_verification_code")

		again, err := f.manager.BeginConnect(ctx, userID, model.ProviderIssueTracker)
		require.NoError(t, err)
		require.Equal(t, model.ConnectionPending, again.Connection.State)
	})

	t.Run("プロバイダーの失敗理由", func(t *testing.T) {
		tests := []struct {
			code   string
			reason string
		}{
			{"server-error", "unexpected status 500: server_error"},
			{"not-json", "malformed token response"},
			{"empty", "empty access token"},
		}
		for _, tt := range tests {
			t.Run(tt.code, func(t *testing.T) {
				f := newManagerFixture(t, false)
				userID := f.newUser(t)
				_, err := f.manager.BeginConnect(ctx, userID, model.ProviderIssueTracker)
				require.NoError(t, err)

				_, err = f.manager.CompleteConnect(ctx, userID, model.ProviderIssueTracker, tt.code)
				var xe *ExchangeError
				require.ErrorAs(t, err, &xe)
				require.Equal(t, tt.reason, xe.Reason)
			})
		}
	})

	t.Run("タイムアウトはExchangeErrorになりFailedを記録する", func(t *testing.T) {
		f := newManagerFixture(t, false, func(c *ManagerConfig) { c.Timeout = 50 * time.Millisecond })
		f.provider.delay.Store(int64(300 * time.Millisecond))
		userID := f.newUser(t)

		_, err := f.manager.BeginConnect(ctx, userID, model.ProviderIssueTracker)
		require.NoError(t, err)

		_, err = f.manager.CompleteConnect(ctx, userID, model.ProviderIssueTracker, "good-code")
		var xe *ExchangeError
		require.ErrorAs(t, err, &xe)
		require.Equal(t, "timeout", xe.Reason)

		stored, err := f.manager.GetConnection(ctx, userID, model.ProviderIssueTracker)
		require.NoError(t, err)
		require.Equal(t, model.ConnectionFailed, stored.State)
	})

	t.Run("Pendingでない場合はErrNotPendingでプロバイダーを呼ばない", func(t *testing.T) {
		f := newManagerFixture(t, false)
		userID := f.newUser(t)

		_, err := f.manager.CompleteConnect(ctx, userID, model.ProviderIssueTracker, "good-code")
		require.ErrorIs(t, err, ErrNotPending)
		require.Zero(t, f.provider.tokenCalls.Load())
	})

	t.Run("クライアント資格情報が未設定ならErrNotConfigured", func(t *testing.T) {
		f := newManagerFixture(t, false, func(c *ManagerConfig) {
			c.Catalog.defs[model.ProviderIssueTracker].ClientSecret = ""
		})
		_, err := f.manager.BeginConnect(ctx, f.newUser(t), model.ProviderIssueTracker)
		require.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("OAuthプロバイダーへの直接トークンはErrUnsupportedFlow", func(t *testing.T) {
		f := newManagerFixture(t, false)
		_, err := f.manager.Connect(ctx, f.newUser(t), model.ProviderIssueTracker, Material{Token: "ghp_x"})
		require.ErrorIs(t, err, ErrUnsupportedFlow)
	})
}

func TestManager_CompleteCallback(t *testing.T) {
	ctx := context.Background()

	begin := func(t *testing.T, f *managerFixture, userID string) string {
		t.Helper()
		res, err := f.manager.BeginConnect(ctx, userID, model.ProviderIssueTracker)
		require.NoError(t, err)
		u, err := url.Parse(res.RedirectURL)
		require.NoError(t, err)
		return u.Query().Get("state")
	}

	t.Run("stateからユーザーを特定して連携を完了する", func(t *testing.T) {
		f := newManagerFixture(t, false)
		userID := f.newUser(t)
		state := begin(t, f, userID)

		res, err := f.manager.CompleteCallback(ctx, model.ProviderIssueTracker, "good-code", state)
		require.NoError(t, err)
		require.Equal(t, userID, res.Connection.UserID)
		require.Equal(t, model.ConnectionConnected, res.Connection.State)
	})

	t.Run("古いstateは新しいフロー開始後に拒否される", func(t *testing.T) {
		f := newManagerFixture(t, false)
		userID := f.newUser(t)
		stale := begin(t, f, userID)
		begin(t, f, userID)

		_, err := f.manager.CompleteCallback(ctx, model.ProviderIssueTracker, "good-code", stale)
		require.ErrorIs(t, err, ErrStateMismatch)
		require.Zero(t, f.provider.tokenCalls.Load())
	})

	t.Run("別プロバイダーのstateは拒否される", func(t *testing.T) {
		f := newManagerFixture(t, false)
		state := begin(t, f, f.newUser(t))

		_, err := f.manager.CompleteCallback(ctx, model.ProviderWorkspaceNotes, "good-code", state)
		require.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("改ざんされたstateは拒否される", func(t *testing.T) {
		f := newManagerFixture(t, false)
		begin(t, f, f.newUser(t))

		_, err := f.manager.CompleteCallback(ctx, model.ProviderIssueTracker, "good-code", "forged")
		require.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("完了済みの連携へのコールバック再送は拒否される", func(t *testing.T) {
		f := newManagerFixture(t, false)
		state := begin(t, f, f.newUser(t))

		_, err := f.manager.CompleteCallback(ctx, model.ProviderIssueTracker, "good-code", state)
		require.NoError(t, err)
		_, err = f.manager.CompleteCallback(ctx, model.ProviderIssueTracker, "good-code", state)
		require.ErrorIs(t, err, ErrNotPending)
	})
}

func TestManager_ListAndDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, false)
	userID := f.newUser(t)

	_, err := f.manager.Connect(ctx, userID, model.ProviderTimeTracker, Material{Token: "KEY1"})
	require.NoError(t, err)
	_, err = f.manager.BeginConnect(ctx, userID, model.ProviderWorkspaceNotes)
	require.NoError(t, err)

	list, err := f.manager.ListConnections(ctx, userID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, model.ProviderIssueTracker, list[0].ProviderID)
	require.Equal(t, model.ConnectionUnconnected, list[0].State)
	require.Equal(t, model.ConnectionConnected, list[1].State)
	require.Equal(t, model.ConnectionPending, list[2].State)

	require.NoError(t, f.manager.Disconnect(ctx, userID, model.ProviderTimeTracker))
	err = f.manager.Disconnect(ctx, userID, model.ProviderTimeTracker)
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = f.manager.RevealSecret(ctx, userID, model.ProviderTimeTracker)
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = f.manager.RevealSecret(ctx, userID, model.ProviderWorkspaceNotes)
	require.ErrorIs(t, err, ErrNotConnected)

	require.ErrorIs(t, f.manager.Disconnect(ctx, userID, "gitlab"), ErrUnknownProvider)
}

func TestExchangeError_Unwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := fmt.Errorf("wrapped: %w", &ExchangeError{Provider: model.ProviderIssueTracker, Reason: "network error", Err: inner})

	var xe *ExchangeError
	require.ErrorAs(t, err, &xe)
	require.ErrorIs(t, err, inner)
	require.Contains(t, xe.Error(), "network error")
}

func TestClassifyTransportError(t *testing.T) {
	require.Equal(t, "timeout", classifyTransportError(context.DeadlineExceeded))
	require.Equal(t, "network error", classifyTransportError(errors.New("connection refused")))
	require.Equal(t, "credential rejected (status 403)", statusReason(http.StatusForbidden))
}
