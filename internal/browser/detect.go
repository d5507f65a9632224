package browser

import (
	"context"
	"log/slog"
	"strings"

	"avitohunter/internal/pkg/metrics"
	"avitohunter/internal/proxy"
)

// blockedTitles 是封禁页面标题中出现的短语（小写）。
var blockedTitles = []string{
	"проблема с ip",
	"доступ ограничен",
	"access denied",
	"attention required",
	"just a moment",
	"too many requests",
}

// IsBlockedTitle 判断页面标题是否表示当前 IP 被封（大小写不敏感）。
func IsBlockedTitle(title string) bool {
	lower := strings.ToLower(title)
	for _, phrase := range blockedTitles {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// checkBlockLocked 在每次浏览器导航后检查封禁。
//
// 命中时清空 Cookie、切换出口身份并打开一个新的随机页面。调用方必须持有 m.mu。
func (m *Manager) checkBlockLocked(ctx context.Context) (bool, error) {
	title, url, err := m.page.Info()
	if err != nil {
		return false, err
	}
	if !IsBlockedTitle(title) {
		return false, nil
	}

	metrics.BrowserBlocksTotal.Inc()
	m.logger.Warn("ip block page detected",
		slog.String("title", title),
		slog.String("url", url))

	if err := m.page.ClearCookies(); err != nil {
		m.logger.Debug("clear cookies failed", slog.String("error", err.Error()))
	}

	if m.rotator == nil {
		return true, nil
	}
	outcome, err := m.rotator.ChangeIdentity(ctx)
	if err != nil {
		m.logger.Warn("identity change after block failed", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return true, ctx.Err()
	}

	if outcome == proxy.OutcomeRotated {
		// 代理是启动参数，轮换后需要重建浏览器
		ua := m.userAgent
		m.resetLocked()
		if err := m.ensureLocked(ctx, m.activeProxy(), ua); err != nil {
			return true, err
		}
	}
	if err := m.navigateLocked(ctx, m.randomListingURL()); err != nil {
		m.logger.Debug("navigate after block failed", slog.String("error", err.Error()))
	}
	return true, nil
}
