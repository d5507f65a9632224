package crawler

import (
	"fmt"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// HTTPDoer 是轻量抓取所需的客户端能力，tls_client.HttpClient 满足它。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
	SetProxy(proxyURL string) error
}

// NewClient 创建模拟 Chrome TLS 指纹的客户端。
//
// 不跟随跳转（302 是拦截信号，需要被看到），并关闭证书校验以兼容代理的中间人证书。
func NewClient(timeout time.Duration, proxyURL string) (tls_client.HttpClient, error) {
	seconds := int(timeout / time.Second)
	if seconds <= 0 {
		seconds = 20
	}
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(seconds),
		tls_client.WithClientProfile(profiles.Chrome_120),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithInsecureSkipVerify(),
	}
	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}
	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("create tls client: %w", err)
	}
	return client, nil
}
