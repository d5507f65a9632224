package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"avitohunter/internal/config"
	"avitohunter/internal/pkg/logger"
	"avitohunter/internal/pkg/metrics"
)

var (
	// ErrNoChangeURL 表示没有配置换 IP 接口。
	ErrNoChangeURL = errors.New("proxy: no change url configured")
	// ErrProviderAuth 表示换 IP 接口拒绝认证（401/403/407），不应重试。
	ErrProviderAuth = errors.New("proxy: provider rejected credentials")
	// ErrProviderFailed 表示换 IP 接口在所有尝试后仍未成功。
	ErrProviderFailed = errors.New("proxy: provider change failed")
	// ErrNoRotation 表示当前没有任何可以切换身份的手段。
	ErrNoRotation = errors.New("proxy: no way to change identity")
)

// 本地 IP 模拟换 IP 的随机等待区间
const (
	localIPWaitMin = 5 * time.Second
	localIPWaitMax = 15 * time.Second
)

// Outcome 描述一次身份切换的结果。
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeRotated
	OutcomeProviderChanged
	OutcomeLocalWait
	OutcomeWaited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRotated:
		return "rotate"
	case OutcomeProviderChanged:
		return "provider"
	case OutcomeLocalWait:
		return "local_wait"
	case OutcomeWaited:
		return "wait"
	default:
		return "none"
	}
}

// Options 控制换 IP 行为。
type Options struct {
	ChangeURL      string        // 供应商级换 IP 接口
	ChangeAttempts int           // 换 IP 接口最大尝试次数
	ChangeDelay    time.Duration // 尝试间隔
	RetryDelay     time.Duration // 授权失败后的等待
	NoProxyDelay   time.Duration // 没有代理时的等待
	UseLocalIP     bool          // 无代理时以随机等待模拟换 IP
	HTTPClient     *http.Client
}

// Pool 是有序、去重的代理池。
//
// 当前下标总是有效，或者池为空。抓取执行器和浏览器子系统（含后台预热）都会切换它，
// 因此所有操作都持有 mu。
type Pool struct {
	mu        sync.Mutex
	endpoints []Endpoint
	index     int
	rotations int

	opts   Options
	client *http.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	rng    *rand.Rand
}

// NewPool 创建代理池，按 Key 去重并保持原有顺序。
func NewPool(endpoints []Endpoint, opts Options, log *slog.Logger) *Pool {
	seen := make(map[string]struct{}, len(endpoints))
	unique := make([]Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if _, ok := seen[ep.Key()]; ok {
			continue
		}
		seen[ep.Key()] = struct{}{}
		unique = append(unique, ep)
	}

	if opts.ChangeAttempts <= 0 {
		opts.ChangeAttempts = 1
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Pool{
		endpoints: unique,
		opts:      opts,
		client:    client,
		logger:    logger.OrDefault(log),
		sleep:     sleepContext,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FromConfig 根据配置构建代理池。
//
// 无法解析的代理字符串只记录日志并被跳过，池为空时在无代理模式下运行。
func FromConfig(cfg config.ProxyConfig, log *slog.Logger) *Pool {
	log = logger.OrDefault(log)
	opts := Options{
		ChangeAttempts: cfg.ChangeAttempts,
		ChangeDelay:    cfg.ChangeDelay.Duration,
		RetryDelay:     cfg.RetryDelay.Duration,
		NoProxyDelay:   cfg.NoProxyDelay.Duration,
		UseLocalIP:     cfg.UseLocalIP,
	}
	if !cfg.Enabled {
		return NewPool(nil, opts, log)
	}
	opts.ChangeURL = cfg.ChangeURL

	var endpoints []Endpoint
	raws := make([]string, 0, len(cfg.Pool)+1)
	if cfg.ProxyString != "" {
		raws = append(raws, cfg.ProxyString)
	}
	raws = append(raws, cfg.Pool...)
	for _, raw := range raws {
		ep, err := ParsePoolEntry(raw)
		if err != nil {
			log.Error("skip unparsable proxy", slog.String("error", err.Error()))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return NewPool(endpoints, opts, log)
}

// Active 返回当前代理，池为空时 ok 为 false。
func (p *Pool) Active() (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return Endpoint{}, false
	}
	return p.endpoints[p.index], true
}

// Size 返回池中代理数量。
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Rotations 返回成功轮换的次数。
func (p *Pool) Rotations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotations
}

// Rotate 切换到下一个代理。
//
// 池中少于两个代理时不做任何事并返回 false。
func (p *Pool) Rotate() (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) <= 1 {
		return Endpoint{}, false
	}
	p.index = (p.index + 1) % len(p.endpoints)
	p.rotations++
	return p.endpoints[p.index], true
}

func (p *Pool) changeURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) > 0 && p.endpoints[p.index].ChangeURL != "" {
		return p.endpoints[p.index].ChangeURL
	}
	return p.opts.ChangeURL
}

// ChangeViaProvider 调用供应商接口更换出口 IP。
//
// 成功条件是 HTTP 200；401/403/407 立即返回 ErrProviderAuth；其他情况按固定间隔重试。
//
// 参数:
//
//	ctx: 上下文，取消后停止重试
//
// 返回值:
//
//	error: 失败时返回错误
func (p *Pool) ChangeViaProvider(ctx context.Context) error {
	target := p.changeURL()
	if target == "" {
		return ErrNoChangeURL
	}
	if strings.Contains(target, "?") {
		target += "&format=json"
	} else {
		target += "?format=json"
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.ChangeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, body, err := p.callProvider(ctx, target)
		switch {
		case err != nil:
			lastErr = err
			p.logger.Warn("change ip request failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		case status == http.StatusOK:
			var payload struct {
				NewIP string `json:"new_ip"`
			}
			if jsonErr := json.Unmarshal(body, &payload); jsonErr != nil || payload.NewIP == "" {
				p.logger.Warn("change ip response has no new_ip")
			} else {
				p.logger.Info("ip changed", slog.String("new_ip", payload.NewIP))
			}
			return nil
		case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusProxyAuthRequired:
			p.logger.Error("change ip rejected credentials", slog.Int("status", status))
			return fmt.Errorf("%w: status %d", ErrProviderAuth, status)
		default:
			lastErr = fmt.Errorf("status %d", status)
			p.logger.Warn("change ip unexpected status",
				slog.Int("attempt", attempt),
				slog.Int("status", status))
		}

		if attempt < p.opts.ChangeAttempts {
			if err := p.sleep(ctx, p.opts.ChangeDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrProviderFailed, p.opts.ChangeAttempts, lastErr)
}

func (p *Pool) callProvider(ctx context.Context, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// ChangeIdentity 按优先级切换出口身份：
// 池内轮换，其次供应商接口，其次本地 IP 模拟等待，最后是无代理等待。
//
// 供应商失败时等待 RetryDelay 后返回 OutcomeWaited 和原始错误。
func (p *Pool) ChangeIdentity(ctx context.Context) (Outcome, error) {
	outcome, err := p.changeIdentity(ctx)
	if outcome != OutcomeNone {
		metrics.ProxyChangesTotal.WithLabelValues(outcome.String()).Inc()
	}
	return outcome, err
}

func (p *Pool) changeIdentity(ctx context.Context) (Outcome, error) {
	if ep, ok := p.Rotate(); ok {
		p.logger.Info("proxy rotated", slog.String("proxy", ep.Redacted()))
		return OutcomeRotated, nil
	}

	if p.changeURL() != "" {
		err := p.ChangeViaProvider(ctx)
		if err == nil {
			return OutcomeProviderChanged, nil
		}
		if ctx.Err() != nil {
			return OutcomeNone, ctx.Err()
		}
		p.logger.Warn("provider change failed, waiting",
			slog.String("error", err.Error()),
			slog.Duration("delay", p.opts.RetryDelay))
		if werr := p.sleep(ctx, p.opts.RetryDelay); werr != nil {
			return OutcomeNone, werr
		}
		return OutcomeWaited, err
	}

	if p.Size() > 0 {
		return OutcomeNone, ErrNoRotation
	}

	if p.opts.UseLocalIP {
		d := p.localWait()
		p.logger.Info("simulating ip change", slog.Duration("delay", d))
		if err := p.sleep(ctx, d); err != nil {
			return OutcomeNone, err
		}
		return OutcomeLocalWait, nil
	}

	p.logger.Warn("no proxy configured, waiting", slog.Duration("delay", p.opts.NoProxyDelay))
	if err := p.sleep(ctx, p.opts.NoProxyDelay); err != nil {
		return OutcomeNone, err
	}
	return OutcomeWaited, nil
}

func (p *Pool) localWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	span := int64(localIPWaitMax - localIPWaitMin)
	return localIPWaitMin + time.Duration(p.rng.Int63n(span+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
