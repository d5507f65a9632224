package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"avitohunter/internal/config"
	"avitohunter/internal/proxy"
)

// blockedResources 是浏览器页面上不需要加载的资源。
var blockedResources = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.avif", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mp3", "*.ogg",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*top-fwz1.mail.ru*",
	"*mc.yandex.ru*",
}

// startBrowser 启动并连接一个浏览器实例。
//
// 没有指定浏览器路径时会下载默认浏览器。针对容器环境关闭了沙箱和 /dev/shm。
//
// 参数:
//
//	cfg: 浏览器配置
//	ep: 出口代理，nil 表示直连
//	ua: 浏览器使用的 UA
//	logger: 日志记录器
//
// 返回值:
//
//	*rod.Browser: 连接好的浏览器实例
//	error: 启动失败返回错误
func startBrowser(cfg config.BrowserConfig, ep *proxy.Endpoint, ua string, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		// 禁用 /dev/shm，防止容器内内存崩溃
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		// 去掉 navigator.webdriver 等自动化特征
		Set("disable-blink-features", "AutomationControlled").
		Set("remote-allow-origins", "*").
		Set("lang", "ru-RU").
		Set("window-size", "1366,768").
		Set("user-agent", ua).
		Set("ignore-certificate-errors", "true").
		Set("disk-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	if ep != nil {
		l = l.Proxy(ep.Server())
		logger.Info("using http proxy", slog.String("proxy", ep.Redacted()))
	}

	browser, err := launchAndConnect(l, connectControlURL)
	if err != nil {
		return nil, err
	}
	if ep != nil && ep.HasAuth() {
		wait := browser.HandleAuth(ep.Username, ep.Password)
		go func() {
			if err := wait(); err != nil {
				logger.Debug("proxy auth handler finished", slog.String("error", err.Error()))
			}
		}()
		logger.Info("proxy authentication handler registered")
	}

	mode := "direct"
	if ep != nil {
		mode = "proxy"
	}
	logger.Info("browser started", slog.String("bin", bin), slog.String("mode", mode))
	return browser, nil
}

// browserProcess 是 launcher.Launcher 中启动和结束进程的部分。
type browserProcess interface {
	Launch() (string, error)
	Kill()
}

func connectControlURL(wsURL string) (*rod.Browser, error) {
	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	return browser, nil
}

// launchAndConnect 启动浏览器进程并连接，连接失败时结束已启动的进程。
func launchAndConnect(proc browserProcess, connect func(wsURL string) (*rod.Browser, error)) (*rod.Browser, error) {
	wsURL, err := proc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser, err := connect(wsURL)
	if err != nil {
		proc.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	return browser, nil
}

// newPage 创建注入了 stealth 脚本和 UA 的页面。
func newPage(ctx context.Context, browser *rod.Browser, ua string, timeout time.Duration, logger *slog.Logger) (*rod.Page, error) {
	createCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := browser.Context(createCtx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	// 去掉创建时的 context，页面生命周期由 Manager 管理
	page = page.Context(context.Background())

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      ua,
		AcceptLanguage: "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7",
	}); err != nil {
		logger.Warn("set user agent failed", slog.String("error", err.Error()))
	}
	if err := (proto.NetworkSetBlockedURLs{Urls: blockedResources}).Call(page); err != nil {
		logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	return page, nil
}
