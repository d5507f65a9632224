package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"avitohunter/internal/config"
	"avitohunter/internal/proxy"
)

// tab 是 Manager 使用的浏览器页面能力。
//
// 一个 tab 绑定一个浏览器进程，Close 同时关闭页面和浏览器。
type tab interface {
	Navigate(ctx context.Context, target string, timeout time.Duration) error
	Info() (title, url string, err error)
	// Cookies 合并 document.cookie 和 CDP 返回的 Cookie（含 HttpOnly）。
	Cookies() (map[string]string, error)
	ClearCookies() error
	SetCookies(jar map[string]string, target string) error
	HTML() (string, error)
	ScrollScreen() error
	PageHeight() (int, error)
	Scroll(dy, steps int) error
	// ClickLink 点击 pick 选中的匹配链接，页面上没有匹配时返回 false。
	ClickLink(ctx context.Context, selector string, pick func(n int) int) (bool, error)
	Back(ctx context.Context) error
	Close() error
}

// openRodTab 启动浏览器并创建页面。
func openRodTab(ctx context.Context, cfg config.BrowserConfig, ep *proxy.Endpoint, ua string, logger *slog.Logger) (tab, error) {
	browser, err := startBrowser(cfg, ep, ua, logger)
	if err != nil {
		return nil, err
	}
	page, err := newPage(ctx, browser, ua, pageCreateTimeout, logger)
	if err != nil {
		_ = browser.Close()
		return nil, err
	}
	return &rodTab{browser: browser, page: page, logger: logger}, nil
}

type rodTab struct {
	browser *rod.Browser
	page    *rod.Page
	logger  *slog.Logger
}

func (t *rodTab) Navigate(ctx context.Context, target string, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := t.page.Context(navCtx)
	if err := p.Navigate(target); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	return nil
}

func (t *rodTab) Info() (string, string, error) {
	info, err := t.page.Info()
	if err != nil {
		return "", "", err
	}
	return info.Title, info.URL, nil
}

func (t *rodTab) Cookies() (map[string]string, error) {
	res, err := t.page.Eval(`() => document.cookie`)
	if err != nil {
		return nil, fmt.Errorf("read document.cookie: %w", err)
	}
	jar := ParseCookieString(res.Value.String())

	cookies, err := t.page.Cookies(nil)
	if err != nil {
		t.logger.Debug("read cdp cookies failed", slog.String("error", err.Error()))
		return jar, nil
	}
	for _, c := range cookies {
		if c.Name != "" {
			jar[c.Name] = c.Value
		}
	}
	return jar, nil
}

func (t *rodTab) ClearCookies() error {
	return proto.NetworkClearBrowserCookies{}.Call(t.page)
}

func (t *rodTab) SetCookies(jar map[string]string, target string) error {
	return t.page.SetCookies(cookieParams(jar, target))
}

func (t *rodTab) HTML() (string, error) {
	return t.page.HTML()
}

func (t *rodTab) ScrollScreen() error {
	_, err := t.page.Eval(`() => window.scrollBy(0, window.innerHeight)`)
	return err
}

func (t *rodTab) PageHeight() (int, error) {
	res, err := t.page.Eval(`() => document.body.scrollHeight`)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (t *rodTab) Scroll(dy, steps int) error {
	return t.page.Mouse.Scroll(0, float64(dy), steps)
}

func (t *rodTab) ClickLink(ctx context.Context, selector string, pick func(n int) int) (bool, error) {
	links, err := t.page.Context(ctx).Elements(selector)
	if err != nil {
		return false, err
	}
	if len(links) == 0 {
		return false, nil
	}
	link := links[pick(len(links))]
	if err := link.ScrollIntoView(); err != nil {
		return false, err
	}
	if err := link.Hover(); err != nil {
		return false, err
	}
	if err := link.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, err
	}
	return true, nil
}

func (t *rodTab) Back(ctx context.Context) error {
	return t.page.Context(ctx).NavigateBack()
}

func (t *rodTab) Close() error {
	_ = t.page.Close()
	return t.browser.Close()
}
