package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// requestLogKey はリクエストログの付加情報を格納するコンテキストキー。
var requestLogKey = contextKey("request_log")

// requestLog は内側のミドルウェアが判明した情報をアクセスログへ渡すための入れ物。
// 認証ミドルウェアは r.WithContext で新しいリクエストを下流へ渡すため、
// 外側のロギングミドルウェアからはポインタ経由でしか参照できない。
type requestLog struct {
	mu     sync.Mutex
	userID string
}

func (l *requestLog) setUserID(userID string) {
	l.mu.Lock()
	l.userID = userID
	l.mu.Unlock()
}

func (l *requestLog) getUserID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.userID
}

// annotateUserID は認証済みユーザーIDをアクセスログに記録させる。
// ロギングミドルウェアを通っていないリクエストでは何もしない。
func annotateUserID(ctx context.Context, userID string) {
	if l, ok := ctx.Value(requestLogKey).(*requestLog); ok {
		l.setUserID(userID)
	}
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、route、status、duration_ms、remote_ip、
// user_id（ベアラー認証を通過した場合）を含む。
// トークンやクエリ文字列はログに出さない。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			entry := &requestLog{}
			if userID, err := UserIDFromContext(r.Context()); err == nil {
				entry.userID = userID
			}
			r = r.WithContext(context.WithValue(r.Context(), requestLogKey, entry))

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rec, r)

			durationMs := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
				slog.String("remote_ip", clientIP(r)),
			}

			// chiのルートパターン（例: /auth/connections/{providerId}）
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, slog.String("route", pattern))
				}
			}

			if userID := entry.getUserID(); userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}
