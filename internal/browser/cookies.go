package browser

import (
	"fmt"
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// 随机详情页 ID 的范围
const (
	listingIDMin = 1111111111
	listingIDMax = 9999999999
)

// ParseCookieString 解析 document.cookie 形式的 "a=1; b=2"。
func ParseCookieString(raw string) map[string]string {
	jar := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		jar[name] = strings.TrimSpace(value)
	}
	return jar
}

// cookieParams 把 jar 转成可注入页面的 Cookie。
func cookieParams(jar map[string]string, target string) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(jar))
	for name, value := range jar {
		params = append(params, &proto.NetworkCookieParam{
			Name:  name,
			Value: value,
			URL:   target,
		})
	}
	return params
}

// randomListingURL 返回一个伪随机详情页地址，避免每次都打开同一个目标页。
func (m *Manager) randomListingURL() string {
	m.rngMu.Lock()
	id := listingIDMin + m.rng.Int63n(listingIDMax-listingIDMin+1)
	m.rngMu.Unlock()
	return fmt.Sprintf("%s/%d", siteRoot, id)
}
