package browser

import (
	"context"
	"log/slog"
	"time"

	"avitohunter/internal/proxy"
)

const (
	scrollWait       = 800 * time.Millisecond
	maxScrollSteps   = 40
	noGrowthLimit    = 3
	maxHumanClicks   = 3
	warmScrollSteps  = 20
	linkSelector     = `a[href^="/"]`
	humanActionsMin  = 2
	humanActionsMax  = 5
	humanScrollMinPx = 400
	humanScrollMaxPx = 900
)

// humanizeRoutes 是模拟浏览时打开的入口页面。
var humanizeRoutes = []string{
	siteRoot + "/",
	siteRoot + "/moskva",
	siteRoot + "/sankt-peterburg",
	siteRoot + "/rossiya/transport",
	siteRoot + "/rossiya/nedvizhimost",
	siteRoot + "/rossiya/bytovaya_elektronika",
}

func (m *Manager) randIntn(n int) int {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Intn(n)
}

func (m *Manager) randBetween(lo, hi int) int {
	return lo + m.randIntn(hi-lo+1)
}

func (m *Manager) randDuration(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(m.randIntn(int(hi-lo)+1))
}

// MaybeHumanize 在距离上次模拟浏览超过间隔时执行一次短暂的模拟浏览。
//
// 失败只记录日志，返回值表示是否实际执行了。
func (m *Manager) MaybeHumanize(ctx context.Context, ep *proxy.Endpoint, ua string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.now().Sub(m.lastHumanize) < m.cfg.HumanizeInterval.Duration {
		return false
	}
	m.lastHumanize = m.now()

	if err := m.ensureLocked(ctx, ep, m.userAgentOr(ua)); err != nil {
		m.logger.Warn("humanize skipped", slog.String("error", err.Error()))
		return false
	}
	if err := m.humanizeLocked(ctx); err != nil {
		m.logger.Warn("humanize failed", slog.String("error", err.Error()))
	}
	return true
}

// humanizeLocked 打开一个入口页，随机滚动 2-5 次并点击最多 3 个站内链接。
func (m *Manager) humanizeLocked(ctx context.Context) error {
	route := humanizeRoutes[m.randIntn(len(humanizeRoutes))]
	if err := m.navigateLocked(ctx, route); err != nil {
		return err
	}
	if blocked, err := m.checkBlockLocked(ctx); blocked || err != nil {
		return err
	}

	actions := m.randBetween(humanActionsMin, humanActionsMax)
	clicks := 0
	for i := 0; i < actions; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if clicks < maxHumanClicks && m.randIntn(3) == 0 {
			clicks++
			if err := m.clickRandomLinkLocked(ctx); err != nil {
				m.logger.Debug("humanize click failed", slog.String("error", err.Error()))
			}
		} else {
			dy := m.randBetween(humanScrollMinPx, humanScrollMaxPx)
			if err := m.page.Scroll(dy, 4); err != nil {
				m.logger.Debug("humanize scroll failed", slog.String("error", err.Error()))
			}
		}
		if err := m.sleep(ctx, m.randDuration(500*time.Millisecond, 1500*time.Millisecond)); err != nil {
			return err
		}
	}
	m.logger.Debug("humanize finished",
		slog.String("route", route),
		slog.Int("actions", actions),
		slog.Int("clicks", clicks))
	return nil
}

func (m *Manager) clickRandomLinkLocked(ctx context.Context) error {
	clicked, err := m.page.ClickLink(ctx, linkSelector, m.randIntn)
	if err != nil || !clicked {
		return err
	}
	if err := m.sleep(ctx, m.randDuration(time.Second, 3*time.Second)); err != nil {
		return err
	}
	if blocked, err := m.checkBlockLocked(ctx); blocked || err != nil {
		return err
	}
	return m.page.Back(ctx)
}

// scrollToBottomLocked 逐屏向下滚动，直到页面高度连续 3 次不再增长。
func (m *Manager) scrollToBottomLocked(ctx context.Context) {
	lastHeight := 0
	noGrowth := 0
	for step := 0; step < maxScrollSteps; step++ {
		if ctx.Err() != nil {
			return
		}
		if err := m.page.ScrollScreen(); err != nil {
			m.logger.Debug("scroll failed", slog.String("error", err.Error()))
			return
		}
		if err := m.sleep(ctx, scrollWait); err != nil {
			return
		}
		height, err := m.page.PageHeight()
		if err != nil {
			return
		}
		if height <= lastHeight {
			noGrowth++
			if noGrowth >= noGrowthLimit {
				return
			}
		} else {
			noGrowth = 0
			lastHeight = height
		}
	}
}

// Warm 在后台定期做一次较长的低优先级浏览，直到 ctx 结束。
//
// 它与前台操作共用锁，只复用已存在的浏览器会话，不会自己启动浏览器。
func (m *Manager) Warm(ctx context.Context) error {
	for {
		if err := sleepContext(ctx, m.cfg.WarmInterval.Duration); err != nil {
			return nil
		}
		m.warmOnce(ctx)
	}
}

func (m *Manager) warmOnce(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.page == nil {
		return
	}
	route := humanizeRoutes[m.randIntn(len(humanizeRoutes))]
	if err := m.navigateLocked(ctx, route); err != nil {
		m.logger.Debug("warm navigation failed", slog.String("error", err.Error()))
		return
	}
	if blocked, _ := m.checkBlockLocked(ctx); blocked {
		return
	}
	for i := 0; i < warmScrollSteps; i++ {
		if ctx.Err() != nil {
			return
		}
		dy := m.randBetween(300, 700)
		if err := m.page.Scroll(dy, 6); err != nil {
			return
		}
		if err := m.sleep(ctx, m.randDuration(time.Second, 3*time.Second)); err != nil {
			return
		}
	}
	m.logger.Debug("warm session finished", slog.String("route", route))
}
