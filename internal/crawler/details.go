package crawler

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"avitohunter/internal/extract"
	"avitohunter/internal/model"
	"avitohunter/internal/pkg/logger"
)

// 详情页之间的随机间隔
const (
	detailPauseMin = 2 * time.Second
	detailPauseMax = 5 * time.Second
)

// DetailFetcher 是详情解析所需的抓取能力，*Executor 满足它。
type DetailFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// DetailEnricher 对通过过滤的记录逐条打开详情页，补充完整描述、雇佣类型和经验要求。
//
// 单条失败只记录日志，记录按原样保留。
type DetailEnricher struct {
	fetcher  DetailFetcher
	siteRoot string
	logger   *slog.Logger
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDetailEnricher 创建详情解析步骤，siteRoot 用于拼接记录的相对路径。
func NewDetailEnricher(fetcher DetailFetcher, siteRoot string, log *slog.Logger) *DetailEnricher {
	return &DetailEnricher{
		fetcher:  fetcher,
		siteRoot: strings.TrimRight(siteRoot, "/"),
		logger:   logger.OrDefault(log),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepContext,
	}
}

// Enrich 返回补充了详情的记录副本。ctx 结束时剩余记录原样返回。
func (d *DetailEnricher) Enrich(ctx context.Context, listings []model.Listing) []model.Listing {
	out := make([]model.Listing, len(listings))
	copy(out, listings)

	for i := range out {
		if ctx.Err() != nil {
			break
		}
		d.logger.Info("parsing listing details", slog.Int("n", i+1), slog.Int("total", len(out)))
		d.enrichOne(ctx, &out[i])

		if i < len(out)-1 {
			if err := d.sleep(ctx, d.pause()); err != nil {
				break
			}
		}
	}
	return out
}

func (d *DetailEnricher) enrichOne(ctx context.Context, l *model.Listing) {
	if l.DetailsParsed || l.URLPath == "" {
		return
	}
	target := d.siteRoot + l.URLPath
	body, err := d.fetcher.Fetch(ctx, target)
	if err != nil {
		d.logger.Warn("detail fetch failed", slog.Int64("id", l.ID), slog.String("url", target), slog.String("error", err.Error()))
		return
	}
	detail, err := extract.ParseDetail(body, l.Description)
	if err != nil {
		d.logger.Debug("detail parse failed", slog.Int64("id", l.ID), slog.String("error", err.Error()))
		return
	}
	l.DetailedDescription = detail.Description
	l.EmploymentType = detail.EmploymentType
	l.ExperienceLevel = detail.ExperienceLevel
	l.DetailsParsed = true
}

func (d *DetailEnricher) pause() time.Duration {
	span := int64(detailPauseMax - detailPauseMin)
	return detailPauseMin + time.Duration(d.rng.Int63n(span+1))
}
