package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"avitohunter/internal/extract"
	"avitohunter/internal/model"
	"avitohunter/internal/pkg/logger"
	"avitohunter/internal/pkg/metrics"
	"avitohunter/internal/pkg/ratelimit"
)

const (
	finalFlushTimeout = 15 * time.Second
	pendingLimitRatio = 20 // 存储持续失败时最多保留 BatchSize 倍数的待写记录
)

// Fetcher 是抓取循环使用的执行器能力。
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Maintain(ctx context.Context)
}

// Extractor 从页面中提取候选记录。
type Extractor interface {
	Extract(raw []byte, sourceURL string) ([]model.Listing, error)
}

// Filter 是过滤管道。
type Filter interface {
	Run(ctx context.Context, listings []model.Listing) []model.Listing
}

// RecordStore 标记已处理的记录。
type RecordStore interface {
	InsertMany(ctx context.Context, ids []int64) error
}

// Enricher 是过滤之后、入队之前的补充步骤（详情页解析）。
type Enricher interface {
	Enrich(ctx context.Context, listings []model.Listing) []model.Listing
}

// Sink 是存储之外的结果输出（xlsx、邮件）。
type Sink interface {
	Name() string
	Write(ctx context.Context, listings []model.Listing) error
}

// ServiceOptions 控制抓取循环。
type ServiceOptions struct {
	URLs         []string
	PagesPerURL  int
	BatchSize    int
	PauseGeneral time.Duration
	ErrorPause   time.Duration
	Details      Enricher // 为空时不解析详情页
}

// Service 是抓取循环：依次抓取每个 URL 的各页，提取、过滤、攒批并写入存储。
//
// Run 在单个 goroutine 中执行；Stats 可并发调用。
type Service struct {
	fetcher   Fetcher
	extractor Extractor
	filter    Filter
	store     RecordStore
	sinks     []Sink
	limiter   ratelimit.Limiter
	opts      ServiceOptions
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	pending    []model.Listing
	pendingIDs map[int64]struct{}
	backlog    [][]model.Listing // 每个输出写失败后待重试的记录，下标与 sinks 对应
	lastPassID string
	lastPassAt time.Time

	stats serviceStats
}

// serviceStats 抓取循环统计信息
type serviceStats struct {
	Passes       atomic.Int64
	FailedPasses atomic.Int64
	Pages        atomic.Int64
	Persisted    atomic.Int64
	Panics       atomic.Int64
}

// NewService 创建抓取循环。
//
// 参数:
//
//	fetcher: 抓取执行器
//	extractor: 内容提取器
//	filter: 过滤管道
//	store: 记录存储
//	sinks: 额外的结果输出，可以为空
//	limiter: 页面节奏限制，为空时不限速
//	opts: 循环参数
//	logger: 日志记录器
//
// 返回值:
//
//	*Service: 抓取循环
func NewService(fetcher Fetcher, extractor Extractor, filter Filter, store RecordStore, sinks []Sink, limiter ratelimit.Limiter, opts ServiceOptions, log *slog.Logger) *Service {
	if opts.PagesPerURL <= 0 {
		opts.PagesPerURL = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Service{
		fetcher:    fetcher,
		extractor:  extractor,
		filter:     filter,
		store:      store,
		sinks:      sinks,
		limiter:    limiter,
		opts:       opts,
		logger:     logger.OrDefault(log),
		sleep:      sleepContext,
		pendingIDs: make(map[int64]struct{}),
		backlog:    make([][]model.Listing, len(sinks)),
	}
}

// Run 循环执行抓取轮次直到 ctx 结束；once 为 true 时只跑一轮。
//
// 轮次之间等待 PauseGeneral，失败的轮次之后等待 ErrorPause。
// 退出前用独立的超时上下文把剩余批次写出。
func (s *Service) Run(ctx context.Context, once bool) error {
	defer s.finalFlush(ctx)

	for {
		err := s.runPass(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if once {
			return err
		}
		pause := s.opts.PauseGeneral
		if err != nil {
			pause = s.opts.ErrorPause
			s.logger.Warn("crawl pass failed", slog.String("error", err.Error()), slog.Duration("pause", pause))
		} else {
			s.logger.Info("crawl pass finished", slog.Duration("pause", pause))
		}
		if err := s.sleep(ctx, pause); err != nil {
			return nil
		}
	}
}

// runPass 执行一轮，并把 panic 转成错误。
func (s *Service) runPass(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.Panics.Add(1)
			s.stats.FailedPasses.Add(1)
			s.logger.Error("crawl pass panic", slog.Any("panic", r))
			err = fmt.Errorf("crawl pass panic: %v", r)
		}
	}()
	return s.RunOnce(ctx)
}

// RunOnce 抓取一轮所有 URL 并写出批次。
//
// 单个 URL 的失败不会中断本轮，返回值汇总本轮所有抓取错误。
func (s *Service) RunOnce(ctx context.Context) error {
	passID := uuid.NewString()
	start := time.Now()
	log := s.logger.With(slog.String("pass_id", passID))
	log.Info("crawl pass started", slog.Int("urls", len(s.opts.URLs)))

	s.mu.Lock()
	s.lastPassID = passID
	s.lastPassAt = start
	s.mu.Unlock()

	var errs []error
	for _, target := range s.opts.URLs {
		if ctx.Err() != nil {
			break
		}
		if err := s.crawlURL(ctx, log, target); err != nil {
			errs = append(errs, err)
		}
	}
	s.Flush(ctx)

	metrics.CrawlPassDuration.Observe(time.Since(start).Seconds())
	s.stats.Passes.Add(1)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(errs) > 0 {
		s.stats.FailedPasses.Add(1)
		return errors.Join(errs...)
	}
	log.Info("crawl pass done", slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Service) crawlURL(ctx context.Context, log *slog.Logger, target string) error {
	if _, err := parseListURL(target); err != nil {
		log.Error("skip invalid url", slog.String("url", target), slog.String("error", err.Error()))
		return nil
	}
	// 从配置中的页码开始，每页在 p 上加一
	pageURL := target
	for page := 1; page <= s.opts.PagesPerURL; page++ {
		if ctx.Err() != nil {
			return nil
		}
		if page > 1 {
			next, err := NextPageURL(pageURL)
			if err != nil {
				log.Error("stop paging", slog.String("url", pageURL), slog.String("error", err.Error()))
				return nil
			}
			pageURL = next
		}
		if err := s.limiter.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		}
		s.fetcher.Maintain(ctx)

		body, err := s.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("fetch failed", slog.String("url", pageURL), slog.String("error", err.Error()))
			return fmt.Errorf("fetch %s: %w", pageURL, err)
		}
		s.stats.Pages.Add(1)

		listings, err := s.extractor.Extract(body, pageURL)
		if errors.Is(err, extract.ErrNoListings) {
			log.Info("page has no listings, skip url", slog.String("url", pageURL))
			return nil
		}
		if err != nil {
			log.Error("extract failed", slog.String("url", pageURL), slog.String("error", err.Error()))
			return nil
		}
		if len(listings) == 0 {
			log.Info("empty catalog page, stop paging", slog.String("url", pageURL))
			return nil
		}

		survivors := s.filter.Run(ctx, listings)
		if s.opts.Details != nil && len(survivors) > 0 {
			survivors = s.opts.Details.Enrich(ctx, survivors)
		}
		log.Info("page processed",
			slog.String("url", pageURL),
			slog.Int("extracted", len(listings)),
			slog.Int("survivors", len(survivors)),
		)
		if s.enqueue(survivors) >= s.opts.BatchSize {
			s.Flush(ctx)
		}
	}
	return nil
}

// enqueue 追加到待写批次（按 ID 去重），返回批次长度。
func (s *Service) enqueue(listings []model.Listing) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range listings {
		if _, ok := s.pendingIDs[l.ID]; ok {
			continue
		}
		s.pendingIDs[l.ID] = struct{}{}
		s.pending = append(s.pending, l)
	}
	limit := s.opts.BatchSize * pendingLimitRatio
	if over := len(s.pending) - limit; over > 0 {
		s.logger.Warn("pending batch over limit, dropping oldest", slog.Int("dropped", over))
		for _, l := range s.pending[:over] {
			delete(s.pendingIDs, l.ID)
		}
		s.pending = append([]model.Listing(nil), s.pending[over:]...)
	}
	return len(s.pending)
}

// Flush 把待写批次写入存储，成功后再交给各输出。
//
// 存储失败时保留批次等待下次写入。输出失败时把记录留在该输出的积压中，
// 下次 Flush 连同新批次一起重写，因此已入库的记录不会从报表中丢失。
func (s *Service) Flush(ctx context.Context) {
	committed := s.flushStore(ctx)
	s.flushSinks(ctx, committed)
}

// flushStore 写入存储并返回本次写入的记录，失败或没有待写记录时返回 nil。
func (s *Service) flushStore(ctx context.Context) []model.Listing {
	s.mu.Lock()
	batch := s.pending
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(batch))
	for _, l := range batch {
		ids = append(ids, l.ID)
	}
	if err := s.store.InsertMany(ctx, ids); err != nil {
		metrics.SinkErrorsTotal.WithLabelValues("store").Inc()
		s.logger.Error("store flush failed, keeping batch",
			slog.Int("pending", len(batch)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	s.mu.Lock()
	s.pending = s.pending[len(batch):]
	for _, l := range batch {
		delete(s.pendingIDs, l.ID)
	}
	s.mu.Unlock()

	metrics.ListingsPersistedTotal.Add(float64(len(batch)))
	s.stats.Persisted.Add(int64(len(batch)))
	s.logger.Info("batch persisted", slog.Int("listings", len(batch)))
	return batch
}

func (s *Service) flushSinks(ctx context.Context, committed []model.Listing) {
	limit := s.opts.BatchSize * pendingLimitRatio
	for i, sink := range s.sinks {
		s.mu.Lock()
		queued := append(append([]model.Listing(nil), s.backlog[i]...), committed...)
		s.mu.Unlock()
		if len(queued) == 0 {
			continue
		}

		err := sink.Write(ctx, queued)

		s.mu.Lock()
		if err == nil {
			s.backlog[i] = nil
			s.mu.Unlock()
			continue
		}
		if over := len(queued) - limit; over > 0 {
			queued = queued[over:]
		}
		s.backlog[i] = queued
		s.mu.Unlock()

		metrics.SinkErrorsTotal.WithLabelValues(sink.Name()).Inc()
		s.logger.Error("sink write failed, keeping records for retry",
			slog.String("sink", sink.Name()),
			slog.Int("backlog", len(queued)),
			slog.String("error", err.Error()))
	}
}

func (s *Service) finalFlush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	s.Flush(flushCtx)
}

// Stats 爬虫循环统计信息快照
type Stats struct {
	Passes       int64     `json:"passes"`
	FailedPasses int64     `json:"failed_passes"`
	Pages        int64     `json:"pages"`
	Persisted    int64     `json:"persisted"`
	Pending      int       `json:"pending"`
	SinkBacklog  int       `json:"sink_backlog"`
	Panics       int64     `json:"panics"`
	LastPassID   string    `json:"last_pass_id,omitempty"`
	LastPassAt   time.Time `json:"last_pass_at"`
}

// Stats 获取抓取循环的统计信息。
func (s *Service) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	backlog := 0
	for _, b := range s.backlog {
		backlog += len(b)
	}
	passID := s.lastPassID
	passAt := s.lastPassAt
	s.mu.Unlock()
	return Stats{
		Passes:       s.stats.Passes.Load(),
		FailedPasses: s.stats.FailedPasses.Load(),
		Pages:        s.stats.Pages.Load(),
		Persisted:    s.stats.Persisted.Load(),
		Pending:      pending,
		SinkBacklog:  backlog,
		Panics:       s.stats.Panics.Load(),
		LastPassID:   passID,
		LastPassAt:   passAt,
	}
}
