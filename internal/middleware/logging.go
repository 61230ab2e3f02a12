package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/fasttrack/internal/model"
)

// requestIDHeader は上流のプロキシが付与したリクエストIDを受け取り、応答にも返すヘッダー。
const requestIDHeader = "X-Request-ID"

// maxRequestIDLength を超える上流のIDは採用せず新たに発行する。
const maxRequestIDLength = 64

var requestInfoContextKey = contextKey("request_info")

// requestInfo はロギングミドルウェアが確保し、内側のミドルウェアが埋めるリクエスト単位の情報。
// Identityミドルウェアはロギングより内側で動くため、ポインタ経由で操作主体を受け渡す。
type requestInfo struct {
	id       string
	identity model.Identity
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoContextKey).(*requestInfo)
	return info
}

// RequestIDFromContext はリクエストIDを返す。ロギングミドルウェアの外では空文字列。
func RequestIDFromContext(ctx context.Context) string {
	if info := requestInfoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

// statusRecorder はステータスコードと書き込みバイト数を記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.written = true
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Flush はイベントストリームのためにhttp.Flusherを委譲する。
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		sr.written = true
		f.Flush()
	}
}

// Unwrap はhttp.ResponseControllerのために元のResponseWriterを返す。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// NewLoggingMiddleware はリクエストごとにJSON構造化ログを1行出力するミドルウェアを返す。
// リクエストIDを発行（または引き継ぎ）し、X-Request-IDヘッダーで応答に含める。
// ステータスが5xxならERROR、4xxならWARNで出力する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(requestIDHeader)
			if id == "" || len(id) > maxRequestIDLength {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)

			info := &requestInfo{id: id, identity: IdentityFromContext(r.Context())}
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestInfoContextKey, info)))

			args := []any{
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.String("identity", info.identity.Key()),
			}
			if route := routePattern(r); route != "" {
				args = append(args, slog.String("route", route))
			}
			if info.identity.Authenticated {
				args = append(args, slog.String("user_id", info.identity.UserID))
			}

			level := slog.LevelInfo
			switch {
			case rec.statusCode >= 500:
				level = slog.LevelError
			case rec.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}

// routePattern はchiがマッチしたルートパターンを返す。
// chiのルートコンテキストは処理後も同じポインタに残るため、外側から参照できる。
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
