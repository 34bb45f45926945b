package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/efwoods/aar/internal/middleware"
)

// HealthChecker はヘルスチェックで使う依存先の疎通確認。
// *sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           middleware.StatusObserver
	// MetricsHandler は/metricsで公開するハンドラー。nilの場合はルートを登録しない。
	MetricsHandler http.Handler
	HealthChecker  HealthChecker

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS
//
// 登録・ログインはクライアントIP単位、連携は利用者単位でレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	bearer := middleware.NewBearerAuthMiddleware(deps.AuthService)

	r.Route("/auth", func(r chi.Router) {
		// --- 認証不要のルート ---
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
		})

		// OAuthプロバイダーからのリダイレクト。利用者はstateで特定する
		r.Get("/callback/{providerId}", authHandler.Callback)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(bearer)

			r.With(deps.RateLimiter.ConnectMiddleware()).Post("/connect/{providerId}", authHandler.Connect)

			r.Get("/me", authHandler.Me)
			r.Post("/password", authHandler.ChangePassword)
			r.Get("/connections", authHandler.ListConnections)
			r.Delete("/connections/{providerId}", authHandler.Disconnect)
		})
	})

	return r
}

// healthHandler は依存先の疎通を確認し、結果を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
