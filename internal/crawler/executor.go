package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"avitohunter/internal/pkg/logger"
	"avitohunter/internal/pkg/metrics"
	"avitohunter/internal/proxy"
	"avitohunter/internal/session"
)

// ErrFetchExhausted 表示一个 URL 用完了全部重试次数。
var ErrFetchExhausted = errors.New("crawler: fetch retries exhausted")

// 各类拦截的最小等待基数，实际等待为 max(backoff, 基数) × attempt。
const (
	rateLimitDelay = 5 * time.Second
	forbiddenDelay = 2 * time.Second
	redirectDelay  = 3 * time.Second
	maxBodySize    = 16 << 20
)

// IdentityPool 是执行器切换出口所需的代理池能力，*proxy.Pool 满足它。
type IdentityPool interface {
	Active() (proxy.Endpoint, bool)
	Size() int
	Rotations() int
	Rotate() (proxy.Endpoint, bool)
	ChangeIdentity(ctx context.Context) (proxy.Outcome, error)
}

// CookieSource 用真实浏览器获取会话 Cookie。
type CookieSource interface {
	Acquire(ctx context.Context, ep *proxy.Endpoint, ua string) (map[string]string, string, error)
}

// Renderer 是浏览器抓取路径。
type Renderer interface {
	Render(ctx context.Context, target string, cookies map[string]string, ua string) (string, error)
}

// Humanizer 在正常操作前按需执行一次模拟浏览。
type Humanizer interface {
	MaybeHumanize(ctx context.Context, ep *proxy.Endpoint, ua string) bool
}

// ExecutorOptions 控制重试和恢复行为。
type ExecutorOptions struct {
	MaxRetries            int
	Backoff               time.Duration
	EscalateAfter         int
	CookieRefreshInterval time.Duration
	UserAgents            []string
}

// Executor 发出轻量请求、分类响应并驱动恢复动作。
//
// 会话状态只由 Executor 持有和修改；抓取循环单线程调用 Fetch。
type Executor struct {
	client    HTTPDoer
	pool      IdentityPool
	cookies   CookieSource
	renderer  Renderer
	humanizer Humanizer
	snapshot  *session.Snapshot
	counters  *Counters
	opts      ExecutorOptions
	logger    *slog.Logger

	session     *session.State
	proxyURL    string
	lastRefresh time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// ExecutorDeps 汇总执行器的协作者，浏览器相关项可以为空（此时不刷新 Cookie、不升级）。
type ExecutorDeps struct {
	Client    HTTPDoer
	Pool      IdentityPool
	Cookies   CookieSource
	Renderer  Renderer
	Humanizer Humanizer
	Snapshot  *session.Snapshot
	Counters  *Counters
}

// NewExecutor 创建执行器，并从快照恢复 Cookie。
//
// 快照缺失或损坏时从空 Cookie 开始。
func NewExecutor(deps ExecutorDeps, opts ExecutorOptions, log *slog.Logger) *Executor {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.EscalateAfter <= 0 {
		opts.EscalateAfter = 3
	}
	counters := deps.Counters
	if counters == nil {
		counters = NewCounters()
	}
	e := &Executor{
		client:    deps.Client,
		pool:      deps.Pool,
		cookies:   deps.Cookies,
		renderer:  deps.Renderer,
		humanizer: deps.Humanizer,
		snapshot:  deps.Snapshot,
		counters:  counters,
		opts:      opts,
		logger:    logger.OrDefault(log),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
		sleep:     sleepContext,
	}

	var jar map[string]string
	if e.snapshot != nil {
		loaded, err := e.snapshot.Load()
		if err != nil {
			e.logger.Warn("ignore cookie snapshot", slog.String("path", e.snapshot.Path()), slog.String("error", err.Error()))
		}
		jar = loaded
	}
	e.session = session.New(jar, e.pickUserAgent())
	if e.session.HasCookie(session.SentinelCookie) {
		// 快照里的会话仍可用，推迟第一次刷新
		e.lastRefresh = e.now()
	}
	if e.pool != nil {
		if ep, ok := e.pool.Active(); ok {
			e.proxyURL = ep.URL()
		}
	}
	return e
}

// Counters 返回执行器使用的计数器。
func (e *Executor) Counters() *Counters {
	return e.counters
}

// Session 返回当前会话状态。
func (e *Executor) Session() *session.State {
	return e.session
}

func (e *Executor) pickUserAgent() string {
	if len(e.opts.UserAgents) == 0 {
		return session.DefaultUserAgent
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.opts.UserAgents[e.rng.Intn(len(e.opts.UserAgents))]
}

func (e *Executor) activeEndpoint() *proxy.Endpoint {
	if e.pool == nil {
		return nil
	}
	ep, ok := e.pool.Active()
	if !ok {
		return nil
	}
	return &ep
}

func (e *Executor) poolRotations() int {
	if e.pool == nil {
		return 0
	}
	return e.pool.Rotations()
}

func (e *Executor) escalationEnabled() bool {
	return e.renderer != nil
}

// Fetch 返回 url 的页面内容。
//
// 同一 URL 连续失败达到阈值时改用浏览器渲染；没有浏览器时在重试用尽后返回 ErrFetchExhausted。
func (e *Executor) Fetch(ctx context.Context, url string) ([]byte, error) {
	if e.escalationEnabled() && e.counters.URLFailures(url) >= e.opts.EscalateAfter {
		return e.render(ctx, url)
	}
	body, err := e.fetchLight(ctx, url)
	if errors.Is(err, errEscalate) {
		return e.render(ctx, url)
	}
	if err != nil {
		if errors.Is(err, ErrFetchExhausted) {
			metrics.CrawlerFetchResultsTotal.WithLabelValues("exhausted").Inc()
		}
		return nil, err
	}
	metrics.CrawlerFetchResultsTotal.WithLabelValues("ok").Inc()
	return body, nil
}

var errEscalate = errors.New("escalate to browser")

func (e *Executor) fetchLight(ctx context.Context, url string) ([]byte, error) {
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.applyProxy()

		status, body, cookies, err := e.do(ctx, url)
		class := classifyResponse(status, err)
		metrics.CrawlerRequestsTotal.WithLabelValues(statusLabel(status, err)).Inc()

		if class == classOK {
			e.session.MergeCookies(cookies)
			e.persistCookies()
			e.counters.Succeeded(url)
			return body, nil
		}

		failures := e.counters.Failed(url, class)
		attrs := []any{
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.String("class", class.String()),
			slog.Int("url_failures", failures),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		} else {
			attrs = append(attrs, slog.Int("status", status))
		}
		e.logger.Warn("fetch attempt failed", attrs...)

		if e.escalationEnabled() && failures >= e.opts.EscalateAfter {
			return nil, errEscalate
		}
		if attempt == e.opts.MaxRetries {
			break
		}

		delay := e.recoverFrom(ctx, class, attempt)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrFetchExhausted, url, e.opts.MaxRetries)
}

// recoverFrom 执行与响应类别对应的恢复动作，返回下一次尝试前的等待时间。
func (e *Executor) recoverFrom(ctx context.Context, class responseClass, attempt int) time.Duration {
	linear := func(base time.Duration) time.Duration {
		if e.opts.Backoff > base {
			base = e.opts.Backoff
		}
		return base * time.Duration(attempt)
	}

	switch class {
	case classRateLimited:
		if e.counters.Consecutive429() >= 2 {
			e.changeIdentity(ctx)
			e.counters.Reset429()
		}
		e.RefreshCookies(ctx)
		return linear(rateLimitDelay)
	case classForbidden:
		if attempt > 1 {
			if e.pool != nil && e.pool.Size() >= 2 {
				if ep, ok := e.pool.Rotate(); ok {
					e.counters.Reset429()
					metrics.ProxyChangesTotal.WithLabelValues(proxy.OutcomeRotated.String()).Inc()
					e.logger.Info("proxy rotated after 403", slog.String("proxy", ep.Redacted()))
				}
			}
			e.RefreshCookies(ctx)
		}
		return linear(forbiddenDelay)
	case classRedirect:
		e.RefreshCookies(ctx)
		return linear(redirectDelay)
	default:
		return e.opts.Backoff * time.Duration(attempt)
	}
}

func (e *Executor) changeIdentity(ctx context.Context) {
	if e.pool == nil {
		return
	}
	outcome, err := e.pool.ChangeIdentity(ctx)
	if err != nil {
		e.logger.Warn("change identity failed",
			slog.String("outcome", outcome.String()),
			slog.String("error", err.Error()))
		return
	}
	e.logger.Info("identity changed", slog.String("outcome", outcome.String()))
}

// applyProxy 让客户端使用代理池当前的出口。
func (e *Executor) applyProxy() {
	want := ""
	if ep := e.activeEndpoint(); ep != nil {
		want = ep.URL()
	}
	if want == e.proxyURL {
		return
	}
	if err := e.client.SetProxy(want); err != nil {
		e.logger.Error("apply proxy failed", slog.String("error", err.Error()))
		return
	}
	e.proxyURL = want
}

func (e *Executor) do(ctx context.Context, url string) (int, []byte, map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header = e.session.Header()

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read body: %w", err)
	}
	var cookies map[string]string
	if rc := resp.Cookies(); len(rc) > 0 {
		cookies = make(map[string]string, len(rc))
		for _, c := range rc {
			cookies[c.Name] = c.Value
		}
	}
	return resp.StatusCode, body, cookies, nil
}

// RefreshCookies 通过浏览器获取新会话并整体替换当前会话。
//
// 失败或拿到空 Cookie 时保留旧会话并返回 false。
func (e *Executor) RefreshCookies(ctx context.Context) bool {
	if e.cookies == nil {
		return false
	}
	ua := e.session.UserAgent()
	rotations := e.poolRotations()
	jar, effectiveUA, err := e.cookies.Acquire(ctx, e.activeEndpoint(), ua)
	if e.poolRotations() != rotations {
		// 浏览器命中封禁时会轮换出口，旧出口的 429 不再计入
		e.counters.Reset429()
	}
	if err != nil {
		metrics.CookieRefreshTotal.WithLabelValues("error").Inc()
		e.logger.Warn("cookie refresh failed", slog.String("error", err.Error()))
		return false
	}
	if len(jar) == 0 {
		metrics.CookieRefreshTotal.WithLabelValues("empty").Inc()
		e.logger.Warn("cookie refresh returned no cookies")
		return false
	}
	if effectiveUA == "" {
		effectiveUA = ua
	}
	e.session = session.New(jar, effectiveUA)
	e.counters.Reset403()
	e.lastRefresh = e.now()
	metrics.CookieRefreshTotal.WithLabelValues("ok").Inc()
	e.logger.Info("session refreshed", slog.Int("cookies", len(jar)))
	e.persistCookies()
	return true
}

// Maintain 在每次抓取前调用：按间隔刷新 Cookie，并给浏览器一次模拟浏览的机会。
func (e *Executor) Maintain(ctx context.Context) {
	if e.cookies != nil && e.opts.CookieRefreshInterval > 0 {
		if e.lastRefresh.IsZero() || e.now().Sub(e.lastRefresh) >= e.opts.CookieRefreshInterval {
			if !e.RefreshCookies(ctx) {
				// 失败后同样等一个间隔再试，避免每页都拉起浏览器
				e.lastRefresh = e.now()
			}
		}
	}
	if e.humanizer != nil {
		e.humanizer.MaybeHumanize(ctx, e.activeEndpoint(), e.session.UserAgent())
	}
}

func (e *Executor) render(ctx context.Context, url string) ([]byte, error) {
	metrics.CrawlerEscalationsTotal.Inc()
	e.logger.Info("escalating to browser fetch", slog.String("url", url), slog.Int("url_failures", e.counters.URLFailures(url)))

	rotations := e.poolRotations()
	html, err := e.renderer.Render(ctx, url, e.session.Cookies(), e.session.UserAgent())
	if e.poolRotations() != rotations {
		e.counters.Reset429()
	}
	if err != nil {
		e.counters.Failed(url, classTransient)
		metrics.CrawlerFetchResultsTotal.WithLabelValues("render_failed").Inc()
		return nil, fmt.Errorf("render %s: %w", url, err)
	}
	e.counters.Succeeded(url)
	metrics.CrawlerFetchResultsTotal.WithLabelValues("rendered").Inc()
	return []byte(html), nil
}

func (e *Executor) persistCookies() {
	if e.snapshot == nil {
		return
	}
	if _, err := e.snapshot.Save(e.session.Cookies()); err != nil {
		e.logger.Warn("save cookie snapshot failed", slog.String("error", err.Error()))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
