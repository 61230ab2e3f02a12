package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"

	"github.com/hitoshi/fasttrack/internal/alert"
	"github.com/hitoshi/fasttrack/internal/config"
	"github.com/hitoshi/fasttrack/internal/database"
	"github.com/hitoshi/fasttrack/internal/handler"
	"github.com/hitoshi/fasttrack/internal/localstore"
	"github.com/hitoshi/fasttrack/internal/logger"
	"github.com/hitoshi/fasttrack/internal/metrics"
	"github.com/hitoshi/fasttrack/internal/middleware"
	"github.com/hitoshi/fasttrack/internal/model"
	"github.com/hitoshi/fasttrack/internal/realtime"
	"github.com/hitoshi/fasttrack/internal/repository"
	"github.com/hitoshi/fasttrack/internal/timer"
	"github.com/hitoshi/fasttrack/internal/timersync"
	"github.com/hitoshi/fasttrack/internal/worker/cleanup"
)

// localStoreKeyPrefix はRedisに保存する匿名状態のキーの接頭辞。
const localStoreKeyPrefix = "fasttrack:"

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envと環境変数から設定を読み込む
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでログを再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		Usage(w)
		return err
	}
	if cmd == CommandHelp {
		Usage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
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

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("unit", cfg.Units.Name),
		slog.String("local_store", cfg.LocalStore),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return fmt.Errorf("unhandled command %q", cmd)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)

	// 3. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	timerStateRepo := repository.NewPostgresTimerStateRepo(db)
	fastRecordRepo := repository.NewPostgresFastRecordRepo(db)

	// 4. 匿名ユーザーのローカルストア
	kv, closeKV, err := openLocalKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeKV()
	localStore := localstore.NewAdapter(kv, cfg.Units, cfg.DefaultGoal, slog.Default())

	// 5. 副作用（完了音・通知）
	hub := alert.NewHub(slog.Default())
	var webhook timer.Notifier
	if cfg.NotifyWebhookURL != "" {
		wh, err := alert.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.WebhookTimeout, slog.Default())
		if err != nil {
			return fmt.Errorf("invalid notification webhook: %w", err)
		}
		webhook = wh
	}
	effectsFor := func(identity model.Identity) *timer.Effects {
		topic := hub.Topic(identity.Key())
		notifiers := alert.MultiNotifier{topic}
		if webhook != nil {
			notifiers = append(notifiers, webhook)
		}
		return timer.NewEffects(notifiers, topic, slog.Default())
	}

	// 6. リモート通知の購読
	listener := realtime.NewListener(cfg.DatabaseURL, slog.Default(), collector)

	// 7. タイマー同期
	retry := timersync.DefaultRetryPolicy()
	retry.MaxRetries = cfg.SyncMaxRetries
	retry.BaseDelay = cfg.SyncBaseDelay
	registry := timersync.NewRegistry(ctx, timersync.Config{
		Units:        cfg.Units,
		DefaultGoal:  cfg.DefaultGoal,
		Retry:        retry,
		TickInterval: cfg.TickInterval,
	}, timersync.RegistryDeps{
		Local:      localStore,
		Remote:     timerStateRepo,
		Records:    fastRecordRepo,
		Subscriber: listener,
		Effects:    effectsFor,
		Logger:     slog.Default(),
		Metrics:    collector,
	})
	defer registry.Close()

	// 再接続中に取りこぼした通知は再取得で補う
	listener.OnReconnect(func() {
		registry.RefreshAll(ctx, "reconnect")
	})
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("realtime listener stopped", slog.String("error", err.Error()))
		}
	}()

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(promRegistry),

		Sessions: sessionRepo,
		SessionConfig: handler.SessionHandlerConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},

		Timers: handler.NewRegistryAdapter(registry),
		Units:  cfg.Units,
		Hub:    hub,

		Records: fastRecordRepo,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	// イベントストリームはハンドラー側で書き込み期限を解除する
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Int("max_connections", cfg.MaxConnections),
		)
		if err := server.Serve(netutil.LimitListener(ln, cfg.MaxConnections)); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully",
		slog.Int("active_timers", registry.Len()),
	)
	return nil
}

// openLocalKV は設定に応じた匿名状態のKVを開く。返り値の関数で接続を閉じる。
func openLocalKV(ctx context.Context, cfg *config.Config) (localstore.KV, func(), error) {
	switch cfg.LocalStore {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
		return localstore.NewRedisKV(client, localStoreKeyPrefix, 0), func() { client.Close() }, nil
	default:
		kv, err := localstore.NewFileKV(cfg.LocalStorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open local store: %w", err)
		}
		return kv, func() {}, nil
	}
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションの定期削除を行う。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ワーカーはセッション削除のみ行うため小さなプールで足りる
	pool := database.DefaultPoolConfig()
	pool.MaxOpenConns = 2
	pool.MaxIdleConns = 1
	db, err := database.Connect(ctx, cfg.DatabaseURL, pool)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
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
