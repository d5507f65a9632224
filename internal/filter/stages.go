package filter

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"avitohunter/internal/config"
	"avitohunter/internal/model"
)

// PromotedBadge 是推广服务在增值服务列表中的标题。
const PromotedBadge = "Продвинуто"

var sellerSlugRe = regexp.MustCompile(`/brands/([^/?#]+)`)

// SeenChecker 查询记录是否已处理过。
type SeenChecker interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// Annotate 从卖家链接推导卖家标识，并根据增值服务标记推广状态。
func Annotate(listings []model.Listing) {
	for i := range listings {
		l := &listings[i]
		if m := sellerSlugRe.FindStringSubmatch(l.SellerURL); m != nil {
			l.SellerID = m[1]
		}
		for _, b := range l.Badges {
			if b == PromotedBadge {
				l.IsPromoted = true
				break
			}
		}
	}
}

// New 按配置组装完整管道。
//
// 阶段顺序固定：价格、屏蔽词、必含词、地区、去重、卖家黑名单、日期、预订、推广。
//
// 参数:
//
//	cfg: 过滤配置
//	seen: 去重查询，通常是记录存储
//	logger: 日志记录器
//
// 返回值:
//
//	*Pipeline: 过滤管道
//	error: 时区或日期配置无效
func New(cfg config.FilterConfig, seen SeenChecker, logger *slog.Logger) (*Pipeline, error) {
	date, err := newDateWindow(cfg, time.Now)
	if err != nil {
		return nil, err
	}
	return newPipeline(logger,
		Stage{Name: "price", Apply: priceStage(cfg.MinPrice, cfg.MaxPrice)},
		Stage{Name: "deny_keywords", Apply: denyStage(cfg.DenyKeywords)},
		Stage{Name: "allow_keywords", Apply: allowStage(cfg.AllowKeywords)},
		Stage{Name: "geo", Apply: geoStage(cfg.Geo)},
		Stage{Name: "viewed", Apply: viewedStage(seen)},
		Stage{Name: "seller_blacklist", Apply: sellerStage(cfg.SellerBlacklist)},
		Stage{Name: "date", Apply: date.apply},
		Stage{Name: "reserved", Apply: reservedStage(cfg.ExcludeReserved)},
		Stage{Name: "promoted", Apply: promotedStage(cfg.ExcludePromoted)},
	), nil
}

func priceStage(min, max int64) func(context.Context, []model.Listing) ([]model.Listing, error) {
	return func(_ context.Context, in []model.Listing) ([]model.Listing, error) {
		return keep(in, func(l model.Listing) bool {
			if l.Price < min {
				return false
			}
			return max <= 0 || l.Price <= max
		}), nil
	}
}

func normalizeKeywords(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// containsAny 在标题加描述中做大小写不敏感的子串匹配。
func containsAny(l model.Listing, words []string) bool {
	text := strings.ToLower(l.Title + " " + l.Description)
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func denyStage(words []string) func(context.Context, []model.Listing) ([]model.Listing, error) {
	words = normalizeKeywords(words)
	return func(_ context.Context, in []model.Listing) ([]model.Listing, error) {
		if len(words) == 0 {
			return in, nil
		}
		return keep(in, func(l model.Listing) bool { return !containsAny(l, words) }), nil
	}
}

func allowStage(words []string) func(context.Context, []model.Listing) ([]model.Listing, error) {
	words = normalizeKeywords(words)
	return func(_ context.Context, in []model.Listing) ([]model.Listing, error) {
		if len(words) == 0 {
			return in, nil
		}
		return keep(in, func(l model.Listing) bool { return containsAny(l, words) }), nil
	}
}

func geoStage(geo string) func(context.Context, []model.Listing) ([]model.Listing, error) {
	geo = strings.ToLower(strings.TrimSpace(geo))
	return func(_ context.Context, in []model.Listing) ([]model.Listing, error) {
		if geo == "" {
			return in, nil
		}
		return keep(in, func(l model.Listing) bool {
			return strings.Contains(strings.ToLower(l.Location), geo)
		}), nil
	}
}

func viewedStage(seen SeenChecker) func(context.Context, []model.Listing) ([]model.Listing, error) {
	return func(ctx context.Context, in []model.Listing) ([]model.Listing, error) {
		if seen == nil {
			return in, nil
		}
		out := make([]model.Listing, 0, len(in))
		for _, l := range in {
			ok, err := seen.Exists(ctx, l.ID)
			if err != nil {
				return nil, fmt.Errorf("check viewed %d: %w", l.ID, err)
			}
			if !ok {
				out = append(out, l)
			}
		}
		return out, nil
	}
}

func sellerStage(blacklist []string) func(context.Context, []model.Listing) ([]model.Listing, error) {
	blocked := make(map[string]struct{}, len(blacklist))
	for _, s := range blacklist {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			blocked[s] = struct{}{}
		}
	}
	return func(_ context.Context, in []model.Listing) ([]model.Listing, error) {
		if len(blocked) == 0 {
			return in, nil
		}
		return keep(in, func(l model.Listing) bool {
			if l.SellerID == "" {
				return true
			}
			_, bad := blocked[strings.ToLower(l.SellerID)]
			return !bad
		}), nil
	}
}

func reservedStage(exclude bool) func(context.Context, []model.Listing) ([]model.Listing, error) {
	return func(_ context.Context, in []model.Listing) ([]model.Listing, error) {
		if !exclude {
			return in, nil
		}
		return keep(in, func(l model.Listing) bool { return !l.IsReserved }), nil
	}
}

func promotedStage(exclude bool) func(context.Context, []model.Listing) ([]model.Listing, error) {
	return func(_ context.Context, in []model.Listing) ([]model.Listing, error) {
		if !exclude {
			return in, nil
		}
		return keep(in, func(l model.Listing) bool { return !l.IsPromoted }), nil
	}
}

// dateWindow 是发布时间过滤。
//
// 配置了 start/end 时按 loc 时区的自然日闭区间判断；否则 maxAge > 0 时按距今时长判断；都没有时不过滤。
type dateWindow struct {
	start  time.Time // 含
	end    time.Time // 不含，end_date 次日零点
	maxAge time.Duration
	now    func() time.Time
}

func newDateWindow(cfg config.FilterConfig, now func() time.Time) (*dateWindow, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	w := &dateWindow{maxAge: cfg.MaxAge.Duration, now: now}
	if cfg.StartDate != "" {
		if w.start, err = time.ParseInLocation(config.DateLayout, cfg.StartDate, loc); err != nil {
			return nil, fmt.Errorf("parse start_date: %w", err)
		}
	}
	if cfg.EndDate != "" {
		end, err := time.ParseInLocation(config.DateLayout, cfg.EndDate, loc)
		if err != nil {
			return nil, fmt.Errorf("parse end_date: %w", err)
		}
		w.end = end.AddDate(0, 0, 1)
	}
	return w, nil
}

func (w *dateWindow) hasWindow() bool {
	return !w.start.IsZero() || !w.end.IsZero()
}

func (w *dateWindow) apply(_ context.Context, in []model.Listing) ([]model.Listing, error) {
	switch {
	case w.hasWindow():
		return keep(in, func(l model.Listing) bool {
			t := l.PublishedAt
			if t.IsZero() {
				return false
			}
			if !w.start.IsZero() && t.Before(w.start) {
				return false
			}
			return w.end.IsZero() || t.Before(w.end)
		}), nil
	case w.maxAge > 0:
		now := w.now()
		return keep(in, func(l model.Listing) bool {
			return !l.PublishedAt.IsZero() && now.Sub(l.PublishedAt) <= w.maxAge
		}), nil
	default:
		return in, nil
	}
}
