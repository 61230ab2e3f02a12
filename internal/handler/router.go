package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fasttrack/internal/alert"
	"github.com/hitoshi/fasttrack/internal/middleware"
	"github.com/hitoshi/fasttrack/internal/timecalc"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// セッション
	Sessions      SessionDeleter
	SessionConfig SessionHandlerConfig

	// タイマー
	Timers TimerProvider
	Units  timecalc.Units
	Hub    *alert.Hub

	// 履歴
	Records FastRecordLister
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Identity → RateLimit → CSRF
//
// /health と /metrics はIdentity以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.CSRFConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger))

	timerHandler := NewTimerHandler(deps.Timers, deps.Units)
	eventsHandler := NewEventsHandler(deps.Hub)
	fastsHandler := NewFastsHandler(deps.Records)
	sessionHandler := NewSessionHandler(deps.Sessions, deps.SessionConfig)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- API ---
	// 匿名ユーザーも利用できる。タイマーの保存先はIdentityで切り替わる。
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.SessionFinder))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

		r.Route("/api/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Me)
			r.Delete("/", sessionHandler.Logout)
		})

		r.Route("/api/timer", func(r chi.Router) {
			r.Get("/", timerHandler.GetTimer)
			r.Put("/goal", timerHandler.UpdateGoal)
			r.Post("/start", timerHandler.Start)
			r.Post("/cancel", timerHandler.Cancel)
			r.Put("/start-time", timerHandler.ChangeStartTime)
			r.Post("/continue", timerHandler.Continue)
			r.Post("/stop", timerHandler.Stop)
			r.Post("/new", timerHandler.StartNewFast)
			r.Patch("/record", timerHandler.UpdateRecord)
			r.Post("/visibility", timerHandler.Visibility)
			r.Get("/events", eventsHandler.Stream)
		})

		// 履歴は認証済みユーザーのみ
		r.With(middleware.NewRequireUserMiddleware()).Get("/api/fasts", fastsHandler.ListFasts)
	})

	return r
}
