package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"avitohunter/internal/config"
	"avitohunter/internal/pkg/logger"
	"avitohunter/internal/pkg/metrics"
	"avitohunter/internal/proxy"
	"avitohunter/internal/session"
)

const (
	siteRoot = "https://www.avito.ru"

	acquireAttempts   = 6                       // 获取会话 Cookie 的最大尝试次数
	acquireRetryDelay = 2 * time.Second         // 没拿到哨兵 Cookie 时的等待
	blockRetryDelay   = 1500 * time.Millisecond // 命中封禁后的等待
	restartDelay      = time.Second             // 导航失败重建浏览器前的等待
	pageCreateTimeout = 20 * time.Second
)

var (
	// ErrNoSessionCookie 表示多次尝试后仍没有拿到哨兵 Cookie。
	ErrNoSessionCookie = errors.New("browser: session cookie not issued")
	// ErrBlocked 表示浏览器抓取落在了封禁页面。
	ErrBlocked = errors.New("browser: blocked page")
	// ErrClosed 表示 Manager 已关闭。
	ErrClosed = errors.New("browser: manager closed")
)

// Rotator 是浏览器子系统切换出口身份所需的代理池能力。
type Rotator interface {
	Active() (proxy.Endpoint, bool)
	ChangeIdentity(ctx context.Context) (proxy.Outcome, error)
}

// Manager 持有唯一一个共享的浏览器实例。
//
// Cookie 获取、浏览器抓取、模拟浏览和后台预热都通过 mu 串行化，
// 以 Locked 结尾的方法要求调用方已经持有 mu。
type Manager struct {
	cfg     config.BrowserConfig
	rotator Rotator
	logger  *slog.Logger

	mu           sync.Mutex
	page         tab
	proxyKey     string
	userAgent    string
	lastHumanize time.Time
	closed       bool

	rngMu sync.Mutex
	rng   *rand.Rand

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	open  func(ctx context.Context, ep *proxy.Endpoint, ua string) (tab, error)
}

// NewManager 创建浏览器管理器，浏览器在第一次使用时才启动。
func NewManager(cfg config.BrowserConfig, rotator Rotator, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		rotator: rotator,
		logger:  logger.OrDefault(log),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		sleep:   sleepContext,
	}
	m.open = func(ctx context.Context, ep *proxy.Endpoint, ua string) (tab, error) {
		return openRodTab(ctx, m.cfg, ep, ua, m.logger)
	}
	return m
}

// compatible 判断现有浏览器能否复用：代理和 UA 都必须一致。
func compatible(curProxy, curUA, wantProxy, wantUA string) bool {
	return curProxy == wantProxy && curUA == wantUA
}

func endpointKey(ep *proxy.Endpoint) string {
	if ep == nil {
		return ""
	}
	return ep.Key()
}

func (m *Manager) activeProxy() *proxy.Endpoint {
	if m.rotator == nil {
		return nil
	}
	ep, ok := m.rotator.Active()
	if !ok {
		return nil
	}
	return &ep
}

// ensureLocked 确保存在可用的浏览器和页面，代理或 UA 变化时重建。
func (m *Manager) ensureLocked(ctx context.Context, ep *proxy.Endpoint, ua string) error {
	if m.closed {
		return ErrClosed
	}
	key := endpointKey(ep)
	if m.page != nil && compatible(m.proxyKey, m.userAgent, key, ua) {
		return nil
	}
	if m.page != nil {
		m.logger.Info("browser session incompatible, recreating",
			slog.Bool("proxy_changed", m.proxyKey != key),
			slog.Bool("ua_changed", m.userAgent != ua))
	}
	m.resetLocked()

	page, err := m.open(ctx, ep, ua)
	if err != nil {
		return err
	}
	metrics.BrowserRestartsTotal.Inc()

	m.page = page
	m.proxyKey = key
	m.userAgent = ua
	return nil
}

// resetLocked 关闭当前页面和浏览器。
func (m *Manager) resetLocked() {
	if m.page != nil {
		if err := m.page.Close(); err != nil {
			m.logger.Debug("close browser failed", slog.String("error", err.Error()))
		}
		m.page = nil
	}
	m.proxyKey = ""
	m.userAgent = ""
}

func (m *Manager) navigateLocked(ctx context.Context, target string) error {
	return m.page.Navigate(ctx, target, m.cfg.PageTimeout.Duration)
}

// Acquire 用浏览器获取一组有效的会话 Cookie。
//
// 打开伪随机详情页而不是目标列表页；没有拿到哨兵 Cookie 时最多重试 6 次，
// 每次导航后都会检查封禁并在必要时切换出口身份。
//
// 参数:
//
//	ctx: 上下文
//	ep: 期望使用的代理，nil 表示直连
//	ua: 期望使用的 UA，为空时使用默认 UA
//
// 返回值:
//
//	map[string]string: Cookie
//	string: 浏览器实际使用的 UA
//	error: 没有拿到会话时返回 ErrNoSessionCookie，调用方应视为可恢复错误
func (m *Manager) Acquire(ctx context.Context, ep *proxy.Endpoint, ua string) (map[string]string, string, error) {
	if ua == "" {
		ua = session.DefaultUserAgent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.randomListingURL()
	for attempt := 1; attempt <= acquireAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, ua, err
		}
		if err := m.ensureLocked(ctx, ep, ua); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil, ua, err
			}
			m.logger.Warn("browser start failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			m.resetLocked()
			if err := m.sleep(ctx, restartDelay); err != nil {
				return nil, ua, err
			}
			continue
		}

		if err := m.navigateLocked(ctx, target); err != nil {
			m.logger.Warn("cookie page navigation failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			m.resetLocked()
			if err := m.sleep(ctx, restartDelay); err != nil {
				return nil, ua, err
			}
			continue
		}

		blocked, err := m.checkBlockLocked(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, ua, ctx.Err()
		}
		if blocked {
			ep = m.activeProxy()
			ua = m.userAgentOr(ua)
			target = m.randomListingURL()
			if err := m.sleep(ctx, blockRetryDelay); err != nil {
				return nil, ua, err
			}
			continue
		}

		jar, err := m.page.Cookies()
		if err != nil {
			m.logger.Warn("read cookies failed", slog.String("error", err.Error()))
		}
		if _, ok := jar[session.SentinelCookie]; ok {
			m.logger.Info("session cookies acquired",
				slog.Int("count", len(jar)),
				slog.Int("attempt", attempt))
			return jar, m.userAgent, nil
		}

		m.logger.Debug("session cookie not yet issued", slog.Int("attempt", attempt))
		if err := m.sleep(ctx, acquireRetryDelay); err != nil {
			return nil, ua, err
		}
	}

	return nil, ua, ErrNoSessionCookie
}

func (m *Manager) userAgentOr(fallback string) string {
	if m.userAgent != "" {
		return m.userAgent
	}
	return fallback
}

// Render 用浏览器抓取页面：注入 Cookie、滚动到底部触发懒加载，返回渲染后的 HTML。
func (m *Manager) Render(ctx context.Context, target string, cookies map[string]string, ua string) (string, error) {
	if ua == "" {
		ua = session.DefaultUserAgent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx, m.activeProxy(), ua); err != nil {
		return "", err
	}
	if len(cookies) > 0 {
		if err := m.page.SetCookies(cookies, target); err != nil {
			m.logger.Warn("inject cookies failed", slog.String("error", err.Error()))
		}
	}
	if err := m.navigateLocked(ctx, target); err != nil {
		m.resetLocked()
		return "", err
	}
	blocked, err := m.checkBlockLocked(ctx)
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if blocked {
		return "", ErrBlocked
	}

	m.scrollToBottomLocked(ctx)

	html, err := m.page.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// Close 关闭浏览器，之后的调用都返回 ErrClosed。
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.resetLocked()
	return nil
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
