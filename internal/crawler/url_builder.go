package crawler

import (
	"fmt"
	"net/url"
	"strconv"
)

// parseListURL 解析列表页地址，要求是带 scheme 和 host 的绝对地址。
func parseListURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse url %q: missing scheme or host", raw)
	}
	return u, nil
}

// NextPageURL 返回 raw 的下一页地址。
//
// 页码写在查询参数 p 中，从当前值加一；没有 p 时视为第 1 页。
//
// 参数:
//
//	raw: 当前页地址
//
// 返回值:
//
//	string: 下一页地址
//	error: 地址或页码无法解析时返回错误
func NextPageURL(raw string) (string, error) {
	u, err := parseListURL(raw)
	if err != nil {
		return "", err
	}
	values := u.Query()
	current := 1
	if v := values.Get("p"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", fmt.Errorf("parse page %q: %w", v, err)
		}
		current = n
	}
	values.Set("p", strconv.Itoa(current+1))
	u.RawQuery = values.Encode()
	return u.String(), nil
}
