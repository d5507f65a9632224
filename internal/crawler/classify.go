package crawler

import (
	"context"
	"errors"
	"strconv"
)

type responseClass int

const (
	classOK          responseClass = iota
	classTransient                 // 5xx、网络错误以及其它非 2xx
	classRateLimited               // 429
	classForbidden                 // 403
	classRedirect                  // 302，站点用跳转表示拦截
)

// classifyResponse 统一的响应分类函数。
func classifyResponse(status int, err error) responseClass {
	if err != nil {
		return classTransient
	}
	switch {
	case status >= 200 && status < 300:
		return classOK
	case status == 429:
		return classRateLimited
	case status == 403:
		return classForbidden
	case status == 302:
		return classRedirect
	default:
		return classTransient
	}
}

func (c responseClass) String() string {
	switch c {
	case classOK:
		return "ok"
	case classRateLimited:
		return "rate_limited"
	case classForbidden:
		return "forbidden"
	case classRedirect:
		return "redirect"
	default:
		return "transient"
	}
}

// statusLabel 返回用于 metrics 的状态字符串
func statusLabel(status int, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "network"
	}
	return strconv.Itoa(status)
}
