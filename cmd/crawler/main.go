package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"avitohunter/internal/api"
	"avitohunter/internal/browser"
	"avitohunter/internal/config"
	"avitohunter/internal/crawler"
	"avitohunter/internal/extract"
	"avitohunter/internal/filter"
	"avitohunter/internal/pkg/logger"
	"avitohunter/internal/pkg/notify"
	"avitohunter/internal/pkg/ratelimit"
	"avitohunter/internal/proxy"
	"avitohunter/internal/report"
	"avitohunter/internal/session"
	"avitohunter/internal/store"
)

const shutdownTimeout = 30 * time.Second

// main 是爬虫服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 打开记录存储（失败即退出）
// 3. 组装代理池、浏览器、执行器、过滤管道和抓取循环
// 4. 并行运行抓取循环、状态服务和后台预热
// 5. 收到信号后优雅关闭
func main() {
	configPath := flag.String("config", "configs/config.json", "path to config file")
	once := flag.Bool("once", false, "run a single crawl pass and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLogger := logger.NewDefault(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, appLogger); err != nil {
		appLogger.Error("crawler stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	appLogger.Info("crawler stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, once bool, appLogger *slog.Logger) error {
	var rdb *redis.Client
	if cfg.Storage.Backend == config.BackendRedis || cfg.Redis.SharedRateLimit {
		client, err := store.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
	}

	records, err := store.New(ctx, cfg.Storage, rdb, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := records.Close(); err != nil {
			appLogger.Warn("close store failed", slog.String("error", err.Error()))
		}
	}()

	pool := proxy.FromConfig(cfg.Proxy, appLogger)
	if ep, ok := pool.Active(); ok {
		appLogger.Info("proxy pool ready", slog.Int("size", pool.Size()), slog.String("active", ep.Redacted()))
	} else {
		appLogger.Info("running without proxy")
	}

	client, err := crawler.NewClient(cfg.Crawl.RequestTimeout.Duration, activeProxyURL(pool))
	if err != nil {
		return err
	}

	deps := crawler.ExecutorDeps{
		Client:   client,
		Pool:     pool,
		Snapshot: session.NewSnapshot(cfg.Crawl.CookieFile),
		Counters: crawler.NewCounters(),
	}
	var manager *browser.Manager
	if cfg.Browser.Enabled {
		manager = browser.NewManager(cfg.Browser, pool, appLogger)
		defer func() {
			if err := manager.Close(); err != nil {
				appLogger.Warn("close browser failed", slog.String("error", err.Error()))
			}
		}()
		deps.Cookies = manager
		deps.Renderer = manager
		deps.Humanizer = manager
	}

	executor := crawler.NewExecutor(deps, crawler.ExecutorOptions{
		MaxRetries:            cfg.Crawl.MaxRetries,
		Backoff:               cfg.Crawl.Backoff.Duration,
		EscalateAfter:         cfg.Crawl.EscalateAfter,
		CookieRefreshInterval: cfg.Browser.CookieRefreshInterval.Duration,
		UserAgents:            session.LoadUserAgents(cfg.Browser.UserAgentFile),
	}, appLogger)

	pipeline, err := filter.New(cfg.Filter, records, appLogger)
	if err != nil {
		return err
	}

	var sinks []crawler.Sink
	if cfg.Report.Enabled {
		sinks = append(sinks, report.NewWorkbook(cfg.Report.Dir, cfg.Filter.AllowKeywords))
	}
	if mailer := notify.NewEmailNotifier(&cfg.Email, appLogger); mailer.Enabled() {
		sinks = append(sinks, mailer)
	}

	var details crawler.Enricher
	if cfg.Crawl.DetailParsing {
		details = crawler.NewDetailEnricher(executor, "https://www.avito.ru", appLogger)
	}

	svc := crawler.NewService(executor, extract.New(), pipeline, records, sinks,
		ratelimit.New(sharedLimiterClient(cfg, rdb), appLogger, cfg.Crawl.PauseBetweenLinks.Duration),
		crawler.ServiceOptions{
			URLs:         cfg.Crawl.URLs,
			PagesPerURL:  cfg.Crawl.PagesPerURL,
			BatchSize:    cfg.Crawl.BatchSize,
			PauseGeneral: cfg.Crawl.PauseGeneral.Duration,
			ErrorPause:   cfg.Crawl.ErrorPause.Duration,
			Details:      details,
		}, appLogger)

	server := api.NewServer(cfg.App.HTTPAddr, svc, executor.Counters(), pool, appLogger)

	g, gctx := errgroup.WithContext(ctx)
	crawlCtx, stopCrawl := context.WithCancel(gctx)
	defer stopCrawl()

	g.Go(func() error {
		// --once 模式下抓取结束即关闭整个进程
		defer stopCrawl()
		appLogger.Info("crawl loop started", slog.Int("urls", len(cfg.Crawl.URLs)), slog.Bool("once", once))
		return svc.Run(crawlCtx, once)
	})
	g.Go(server.Run)
	g.Go(func() error {
		<-crawlCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("status server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	if manager != nil && cfg.Browser.WarmEnabled {
		g.Go(func() error {
			err := manager.Warm(crawlCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Warn("warm-up stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func activeProxyURL(pool *proxy.Pool) string {
	if ep, ok := pool.Active(); ok {
		return ep.URL()
	}
	return ""
}

func sharedLimiterClient(cfg *config.Config, rdb *redis.Client) *redis.Client {
	if cfg.Redis.SharedRateLimit {
		return rdb
	}
	return nil
}
