package crawler

import "sync"

// Counters 记录请求结果和连续失败次数，驱动所有恢复阈值。
//
// 抓取循环是单线程的，但状态接口会并发读取快照，因此加锁。
type Counters struct {
	mu             sync.Mutex
	good           int64
	bad            int64
	consecutive403 int
	consecutive429 int
	urlFailures    map[string]int
}

// CountersSnapshot 是 Counters 的只读快照。
type CountersSnapshot struct {
	Good           int64          `json:"good"`
	Bad            int64          `json:"bad"`
	Consecutive403 int            `json:"consecutive_403"`
	Consecutive429 int            `json:"consecutive_429"`
	URLFailures    map[string]int `json:"url_failures"`
}

// NewCounters 创建计数器。
func NewCounters() *Counters {
	return &Counters{urlFailures: make(map[string]int)}
}

// Succeeded 记录一次成功：清零连续计数并删除该 URL 的失败记录。
func (c *Counters) Succeeded(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.good++
	c.consecutive403 = 0
	c.consecutive429 = 0
	delete(c.urlFailures, url)
}

// Failed 记录一次失败并返回该 URL 当前的连续失败次数。
func (c *Counters) Failed(url string, class responseClass) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad++
	switch class {
	case classForbidden:
		c.consecutive403++
	case classRateLimited:
		c.consecutive429++
	case classRedirect:
		c.consecutive403 = 0
		c.consecutive429 = 0
	}
	c.urlFailures[url]++
	return c.urlFailures[url]
}

// URLFailures 返回 URL 的连续失败次数。
func (c *Counters) URLFailures(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urlFailures[url]
}

// Consecutive429 返回连续 429 次数。
func (c *Counters) Consecutive429() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutive429
}

// Consecutive403 返回连续 403 次数。
func (c *Counters) Consecutive403() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutive403
}

// Reset429 在切换身份后清零。
func (c *Counters) Reset429() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive429 = 0
}

// Reset403 在会话刷新后清零。
func (c *Counters) Reset403() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive403 = 0
}

// Snapshot 返回当前计数的副本。
func (c *Counters) Snapshot() CountersSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	failures := make(map[string]int, len(c.urlFailures))
	for k, v := range c.urlFailures {
		failures[k] = v
	}
	return CountersSnapshot{
		Good:           c.good,
		Bad:            c.bad,
		Consecutive403: c.consecutive403,
		Consecutive429: c.consecutive429,
		URLFailures:    failures,
	}
}
