package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CrawlerRequestsTotal 轻量 HTTP 请求按状态码计数（network 表示没有拿到响应）。
	CrawlerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avitohunter_crawler_requests_total",
		Help: "Lightweight fetch attempts by response status.",
	}, []string{"status"})

	// CrawlerFetchResultsTotal 单个 URL 抓取的最终结果（ok / exhausted / rendered / render_failed）。
	CrawlerFetchResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avitohunter_crawler_fetch_results_total",
		Help: "Final outcome of fetch calls.",
	}, []string{"result"})

	// CrawlerEscalationsTotal 升级到浏览器抓取的次数。
	CrawlerEscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avitohunter_crawler_escalations_total",
		Help: "Fetches escalated to the browser path.",
	})

	// ProxyChangesTotal 身份切换次数（rotate / provider / local_wait / wait）。
	ProxyChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avitohunter_proxy_changes_total",
		Help: "Identity changes by method.",
	}, []string{"method"})

	// CookieRefreshTotal Cookie 刷新结果（ok / empty / error）。
	CookieRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avitohunter_cookie_refresh_total",
		Help: "Browser cookie acquisitions by result.",
	}, []string{"result"})

	// BrowserBlocksTotal 浏览器页面标题命中封禁短语的次数。
	BrowserBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avitohunter_browser_blocks_total",
		Help: "Browser navigations that landed on a block page.",
	})

	// BrowserRestartsTotal 浏览器重建次数。
	BrowserRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avitohunter_browser_restarts_total",
		Help: "Browser (re)launches.",
	})

	// FilterStageRemaining 每个过滤阶段之后剩余的记录数。
	FilterStageRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avitohunter_filter_stage_remaining",
		Help: "Records left after each filter stage in the last run.",
	}, []string{"stage"})

	// FilterStageErrorsTotal 过滤阶段失败（按透传处理）的次数。
	FilterStageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avitohunter_filter_stage_errors_total",
		Help: "Filter stages that failed and passed input through.",
	}, []string{"stage"})

	// ListingsPersistedTotal 写入存储的记录数。
	ListingsPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avitohunter_listings_persisted_total",
		Help: "Listings flushed to the record store.",
	})

	// SinkErrorsTotal 存储 / 报表 / 通知失败次数。
	SinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avitohunter_sink_errors_total",
		Help: "Failures writing to the record store or report sinks.",
	}, []string{"sink"})

	// CrawlPassDuration 一轮抓取耗时。
	CrawlPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avitohunter_crawl_pass_duration_seconds",
		Help:    "Duration of a full pass over the configured URLs.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	// RateLimitWaitDuration 等待节奏令牌的耗时。
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avitohunter_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a pacing token.",
		Buckets: prometheus.DefBuckets,
	})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avitohunter_ratelimit_timeout_total",
		Help: "Pacing waits that gave up because the context ended.",
	})
)
