package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"

	"github.com/efwoods/aar/internal/auth"
	"github.com/efwoods/aar/internal/config"
	"github.com/efwoods/aar/internal/database"
	"github.com/efwoods/aar/internal/handler"
	"github.com/efwoods/aar/internal/logger"
	"github.com/efwoods/aar/internal/metrics"
	"github.com/efwoods/aar/internal/middleware"
	"github.com/efwoods/aar/internal/model"
	"github.com/efwoods/aar/internal/provider"
	"github.com/efwoods/aar/internal/repository"
	"github.com/efwoods/aar/internal/security"
	"github.com/efwoods/aar/internal/session"
)

// minEncryptionKeyBytes はENCRYPTION_KEYの最小バイト長。
const minEncryptionKeyBytes = 32

// stateSeedInfo はOAuth state署名鍵をセッション鍵から派生する際のHKDF info。
const stateSeedInfo = "aar.oauth.state.v1"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	opts, err := ParseArgs(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if opts.Command == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	opts.Apply(cfg)

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(opts.Command)),
		slog.String("port", cfg.ServerPort),
		slog.String("db_driver", cfg.DatabaseDriver),
		slog.String("base_url", cfg.BaseURL),
	)

	switch opts.Command {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. 依存関係のワイヤリング
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router, cleanup, err := BuildRouter(cfg, db, registry, registry)
	if err != nil {
		return err
	}
	defer cleanup()

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// BuildRouter は設定とDB接続から全依存関係を構築し、HTTPハンドラーを返す。
// 返されたcleanupはレートリミッターのバックグラウンド処理を停止する。
func BuildRouter(cfg *config.Config, db *sql.DB, reg prometheus.Registerer, gatherer prometheus.Gatherer) (http.Handler, func(), error) {
	// 1. リポジトリの初期化
	var (
		userRepo repository.UserRepository
		connRepo repository.ConnectionRepository
	)
	switch cfg.DatabaseDriver {
	case database.DriverSQLite:
		userRepo = repository.NewSQLiteUserRepo(db)
		connRepo = repository.NewSQLiteConnectionRepo(db)
	default:
		userRepo = repository.NewPostgresUserRepo(db)
		connRepo = repository.NewPostgresConnectionRepo(db)
	}

	// 2. 鍵の準備
	if len(cfg.EncryptionKey) < minEncryptionKeyBytes {
		return nil, nil, fmt.Errorf("ENCRYPTION_KEY must be at least %d bytes", minEncryptionKeyBytes)
	}
	secretBox, err := security.NewSecretBox([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize secret box: %w", err)
	}

	issuer, err := session.NewIssuer(session.Config{
		SigningKey: []byte(cfg.SessionSecret),
		TTL:        cfg.SessionTTL(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize session issuer: %w", err)
	}

	seed, err := security.DeriveKey([]byte(cfg.SessionSecret), stateSeedInfo)
	if err != nil {
		return nil, nil, err
	}
	stateCodec, err := provider.NewStateCodec(seed)
	if err != nil {
		return nil, nil, err
	}

	// 3. プロバイダーカタログ
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	guard := security.NewEgressGuard(cfg.AllowPrivateProviderEndpoints)
	if err := catalog.ValidateEndpoints(guard); err != nil {
		return nil, nil, fmt.Errorf("invalid provider catalog: %w", err)
	}

	// 4. ドメインサービスの初期化
	collector := metrics.NewCollector(reg)

	manager, err := provider.NewManager(provider.ManagerConfig{
		Catalog:         catalog,
		Connections:     connRepo,
		SecretBox:       secretBox,
		StateCodec:      stateCodec,
		HTTPClient:      guard.NewClient(cfg.ProviderTimeout),
		Timeout:         cfg.ProviderTimeout,
		CallbackBaseURL: cfg.OAuthRedirectBaseURL,
		Metrics:         collector,
		Logger:          slog.Default(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize provider manager: %w", err)
	}

	authService := auth.NewService(
		userRepo,
		security.NewPasswordHasher(bcrypt.DefaultCost),
		issuer,
		manager,
		collector,
	)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitAuth, cfg.RateLimitConnect),
	)

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		MetricsHandler:    metrics.SetupMetricsRoute(gatherer),
		HealthChecker:     db,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL: cfg.BaseURL,
		},
	}

	return handler.NewRouter(deps), rateLimiter.Stop, nil
}

// loadCatalog はプロバイダーカタログを読み込み、環境変数の資格情報を適用する。
func loadCatalog(cfg *config.Config) (*provider.Catalog, error) {
	var (
		catalog *provider.Catalog
		err     error
	)
	if cfg.ProvidersFile != "" {
		catalog, err = provider.LoadCatalog(cfg.ProvidersFile)
	} else {
		catalog, err = provider.DefaultCatalog()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider catalog: %w", err)
	}

	credentials := []struct {
		id                     model.ProviderID
		clientID, clientSecret string
	}{
		{model.ProviderIssueTracker, cfg.GitHubClientID, cfg.GitHubClientSecret},
		{model.ProviderWorkspaceNotes, cfg.NotionClientID, cfg.NotionClientSecret},
	}
	for _, c := range credentials {
		if _, ok := catalog.Lookup(c.id); !ok {
			continue
		}
		if err := catalog.SetClientCredentials(c.id, c.clientID, c.clientSecret); err != nil {
			return nil, err
		}
	}

	if _, ok := catalog.Lookup(model.ProviderTimeTracker); ok {
		if err := catalog.SetVerifyKeys(model.ProviderTimeTracker, cfg.ClockifyVerifyKeys); err != nil {
			return nil, err
		}
	}

	for _, def := range catalog.Definitions() {
		if def.Strategy == model.StrategyOAuth && !def.OAuthConfigured() {
			slog.Warn("oauth provider has no client credentials",
				slog.String("provider", string(def.ID)),
			)
		}
	}

	return catalog, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("driver", cfg.DatabaseDriver),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseDriver, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
