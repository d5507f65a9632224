package session

import (
	"fmt"
	"maps"
	"regexp"
	"sort"
	"strings"

	http "github.com/bogdanfinn/fhttp"
)

// DefaultUserAgent 在没有 UA 列表时使用。
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

// SentinelCookie 是目标站点会话有效的标志 Cookie。
const SentinelCookie = "ft"

var (
	chromeVersionRe = regexp.MustCompile(`(?:Chrome|CriOS)/(\d+)`)
	edgeVersionRe   = regexp.MustCompile(`Edg(?:A|iOS)?/(\d+)`)
)

// headerOrder 是请求头的发送顺序，与真实 Chrome 的导航请求一致。
var headerOrder = []string{
	"host",
	"cache-control",
	"sec-ch-ua",
	"sec-ch-ua-mobile",
	"sec-ch-ua-platform",
	"upgrade-insecure-requests",
	"user-agent",
	"accept",
	"sec-fetch-site",
	"sec-fetch-mode",
	"sec-fetch-user",
	"sec-fetch-dest",
	"accept-encoding",
	"accept-language",
	"cookie",
	"priority",
}

// State 是一组一致的浏览身份：Cookie、UA 以及由 UA 推导出的请求头。
//
// 刷新时整体替换（New），唯一允许的局部修改是 MergeCookies。
// State 只由抓取执行器持有，不做并发保护。
type State struct {
	cookies   map[string]string
	userAgent string
	headers   map[string]string
}

// New 创建会话状态，ua 为空时使用 DefaultUserAgent。
func New(cookies map[string]string, ua string) *State {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		ua = DefaultUserAgent
	}
	jar := make(map[string]string, len(cookies))
	for k, v := range cookies {
		if k == "" {
			continue
		}
		jar[k] = v
	}
	return &State{
		cookies:   jar,
		userAgent: ua,
		headers:   deriveHeaders(ua),
	}
}

// UserAgent 返回当前 UA。
func (s *State) UserAgent() string {
	return s.userAgent
}

// Cookies 返回 Cookie 的副本。
func (s *State) Cookies() map[string]string {
	return maps.Clone(s.cookies)
}

// HasCookie 报告是否存在名为 name 的 Cookie。
func (s *State) HasCookie(name string) bool {
	_, ok := s.cookies[name]
	return ok
}

// MergeCookies 合并服务端下发的 Cookie，返回 jar 是否发生变化。
func (s *State) MergeCookies(updates map[string]string) bool {
	changed := false
	for k, v := range updates {
		if k == "" {
			continue
		}
		if old, ok := s.cookies[k]; !ok || old != v {
			s.cookies[k] = v
			changed = true
		}
	}
	return changed
}

// CookieHeader 返回按名称排序的 Cookie 请求头。
func (s *State) CookieHeader() string {
	if len(s.cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.cookies))
	for k := range s.cookies {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+s.cookies[k])
	}
	return strings.Join(parts, "; ")
}

// HeaderValue 返回推导出的请求头（小写名称）。
func (s *State) HeaderValue(name string) string {
	return s.headers[strings.ToLower(name)]
}

// Header 构造一次请求使用的完整请求头，包含 Cookie 和发送顺序。
// 键保持小写，与 HeaderOrderKey 中的顺序一致。
func (s *State) Header() http.Header {
	h := make(http.Header, len(s.headers)+2)
	for k, v := range s.headers {
		h[k] = []string{v}
	}
	if c := s.CookieHeader(); c != "" {
		h["cookie"] = []string{c}
	}
	h[http.HeaderOrderKey] = headerOrder
	return h
}

// deriveHeaders 根据 UA 计算 client hints，保证 platform / mobile / brand 与 UA 一致。
func deriveHeaders(ua string) map[string]string {
	h := map[string]string{
		"accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
		"accept-language":           "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7",
		"accept-encoding":           "gzip, deflate, br, zstd",
		"cache-control":             "max-age=0",
		"upgrade-insecure-requests": "1",
		"sec-fetch-site":            "none",
		"sec-fetch-mode":            "navigate",
		"sec-fetch-user":            "?1",
		"sec-fetch-dest":            "document",
		"priority":                  "u=0, i",
		"user-agent":                ua,
	}
	if brands := brandList(ua); brands != "" {
		h["sec-ch-ua"] = brands
		h["sec-ch-ua-mobile"] = mobileFlag(ua)
		h["sec-ch-ua-platform"] = `"` + platform(ua) + `"`
	}
	return h
}

// brandList 返回 sec-ch-ua；非 Chromium 内核的 UA 返回空串（不发送 client hints）。
func brandList(ua string) string {
	if m := edgeVersionRe.FindStringSubmatch(ua); m != nil {
		return fmt.Sprintf(`"Chromium";v="%s", "Not=A?Brand";v="24", "Microsoft Edge";v="%s"`, m[1], m[1])
	}
	if strings.Contains(ua, "Firefox/") || strings.Contains(ua, "FxiOS/") {
		return ""
	}
	if m := chromeVersionRe.FindStringSubmatch(ua); m != nil {
		return fmt.Sprintf(`"Chromium";v="%s", "Not=A?Brand";v="24", "Google Chrome";v="%s"`, m[1], m[1])
	}
	return ""
}

func mobileFlag(ua string) string {
	if strings.Contains(ua, "Mobile") {
		return "?1"
	}
	return "?0"
}

func platform(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return "iOS"
	case strings.Contains(ua, "CrOS"):
		return "Chrome OS"
	case strings.Contains(ua, "Macintosh"), strings.Contains(ua, "Mac OS X"):
		return "macOS"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}
