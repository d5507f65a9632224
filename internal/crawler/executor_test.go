package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"avitohunter/internal/proxy"
	"avitohunter/internal/session"
)

const testURL = "https://www.avito.ru/moskva/velosipedy"

// ============================================================================
// 测试替身
// ============================================================================

type step struct {
	status    int
	body      string
	setCookie string
	err       error
}

type scriptedDoer struct {
	mu      sync.Mutex
	script  []step
	calls   int
	proxies []string
	cookies []string
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cookies = append(d.cookies, strings.Join(req.Header["cookie"], ""))
	i := d.calls
	d.calls++
	st := step{status: 200, body: "ok"}
	if i < len(d.script) {
		st = d.script[i]
	}
	if st.err != nil {
		return nil, st.err
	}
	header := http.Header{}
	if st.setCookie != "" {
		header["Set-Cookie"] = []string{st.setCookie}
	}
	return &http.Response{
		StatusCode: st.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(st.body)),
	}, nil
}

func (d *scriptedDoer) SetProxy(u string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proxies = append(d.proxies, u)
	return nil
}

func statuses(codes ...int) []step {
	out := make([]step, 0, len(codes))
	for _, c := range codes {
		out = append(out, step{status: c, body: "body-" + http.StatusText(c)})
	}
	return out
}

type fakeCookies struct {
	calls     int
	eps       []*proxy.Endpoint
	jar       map[string]string
	err       error
	onAcquire func(call int)
}

func (f *fakeCookies) Acquire(_ context.Context, ep *proxy.Endpoint, ua string) (map[string]string, string, error) {
	f.calls++
	f.eps = append(f.eps, ep)
	if f.onAcquire != nil {
		f.onAcquire(f.calls)
	}
	if f.err != nil {
		return nil, "", f.err
	}
	jar := f.jar
	if jar == nil {
		jar = map[string]string{session.SentinelCookie: "fresh"}
	}
	return jar, ua, nil
}

type fakeRenderer struct {
	calls   int
	onCall  func()
	html    string
	err     error
	cookies map[string]string
}

func (f *fakeRenderer) Render(_ context.Context, _ string, cookies map[string]string, _ string) (string, error) {
	f.calls++
	f.cookies = cookies
	if f.onCall != nil {
		f.onCall()
	}
	return f.html, f.err
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(deps ExecutorDeps, opts ExecutorOptions) (*Executor, *sleepRecorder) {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.Backoff == 0 {
		opts.Backoff = 2 * time.Second
	}
	e := NewExecutor(deps, opts, quietLogger())
	rec := &sleepRecorder{}
	e.sleep = rec.sleep
	return e, rec
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ============================================================================
// 状态机测试
// ============================================================================

func TestFetchRateLimitRotatesOnce(t *testing.T) {
	pool := proxy.NewPool([]proxy.Endpoint{
		{Host: "10.0.0.1", Port: "8080"},
		{Host: "10.0.0.2", Port: "8080", Username: "u", Password: "p"},
	}, proxy.Options{}, quietLogger())
	doer := &scriptedDoer{script: statuses(429, 429, 200)}
	cookies := &fakeCookies{}
	e, rec := newTestExecutor(ExecutorDeps{Client: doer, Pool: pool, Cookies: cookies}, ExecutorOptions{})

	body, err := e.Fetch(context.Background(), testURL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(body) != "body-OK" {
		t.Fatalf("body = %q", body)
	}
	if pool.Rotations() != 1 {
		t.Fatalf("rotations = %d, expected 1", pool.Rotations())
	}
	if doer.calls != 3 {
		t.Fatalf("requests = %d, expected 3", doer.calls)
	}
	if cookies.calls != 2 {
		t.Fatalf("cookie refreshes = %d, expected 2", cookies.calls)
	}
	// 第二次 429 先换出口再刷新，新 Cookie 绑定新出口
	if ep := cookies.eps[1]; ep == nil || ep.Host != "10.0.0.2" {
		t.Fatalf("second refresh used proxy %+v", ep)
	}
	expectedProxy := (proxy.Endpoint{Host: "10.0.0.2", Port: "8080", Username: "u", Password: "p"}).URL()
	if len(doer.proxies) != 1 || doer.proxies[0] != expectedProxy {
		t.Fatalf("proxies applied = %v", doer.proxies)
	}
	if !equalDurations(rec.delays, []time.Duration{5 * time.Second, 10 * time.Second}) {
		t.Fatalf("delays = %v", rec.delays)
	}
	snap := e.Counters().Snapshot()
	if snap.Consecutive429 != 0 || snap.Good != 1 || snap.Bad != 2 {
		t.Fatalf("counters = %+v", snap)
	}
	if len(snap.URLFailures) != 0 {
		t.Fatalf("url failures not cleared: %v", snap.URLFailures)
	}
}

func TestFetchRotationResetsRateLimitStreak(t *testing.T) {
	pool := proxy.NewPool([]proxy.Endpoint{
		{Host: "10.0.0.1", Port: "8080"},
		{Host: "10.0.0.2", Port: "8080"},
		{Host: "10.0.0.3", Port: "8080"},
	}, proxy.Options{}, quietLogger())
	doer := &scriptedDoer{script: statuses(429, 403, 403, 429, 200)}
	e, _ := newTestExecutor(ExecutorDeps{Client: doer, Pool: pool, Cookies: &fakeCookies{}}, ExecutorOptions{})

	body, err := e.Fetch(context.Background(), testURL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(body) != "body-OK" {
		t.Fatalf("body = %q", body)
	}
	// 两次 403 各换一次出口，之后的 429 只是新出口上的第一次
	if pool.Rotations() != 2 {
		t.Fatalf("rotations = %d, expected 2", pool.Rotations())
	}
}

func TestFetchBrowserRotationResetsRateLimitStreak(t *testing.T) {
	pool := proxy.NewPool([]proxy.Endpoint{
		{Host: "10.0.0.1", Port: "8080"},
		{Host: "10.0.0.2", Port: "8080"},
	}, proxy.Options{}, quietLogger())
	doer := &scriptedDoer{script: statuses(429, 429, 200)}
	// 浏览器取 Cookie 时命中封禁，自己换了出口
	cookies := &fakeCookies{onAcquire: func(call int) {
		if call == 1 {
			pool.Rotate()
		}
	}}
	e, _ := newTestExecutor(ExecutorDeps{Client: doer, Pool: pool, Cookies: cookies}, ExecutorOptions{})

	if _, err := e.Fetch(context.Background(), testURL); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if pool.Rotations() != 1 {
		t.Fatalf("rotations = %d, expected only the browser-side rotation", pool.Rotations())
	}
	if got := e.Counters().Snapshot().Consecutive429; got != 0 {
		t.Fatalf("consecutive 429 = %d", got)
	}
}

func TestFetchForbiddenEscalatesAfterThirdFailure(t *testing.T) {
	doer := &scriptedDoer{script: statuses(403, 403, 403, 200)}
	cookies := &fakeCookies{}
	var failuresAtRender int
	renderer := &fakeRenderer{html: "<html>rendered</html>"}
	e, _ := newTestExecutor(ExecutorDeps{Client: doer, Cookies: cookies, Renderer: renderer}, ExecutorOptions{MaxRetries: 3, EscalateAfter: 3})
	renderer.onCall = func() { failuresAtRender = e.Counters().URLFailures(testURL) }

	body, err := e.Fetch(context.Background(), testURL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(body) != "<html>rendered</html>" {
		t.Fatalf("body = %q", body)
	}
	if doer.calls != 3 || renderer.calls != 1 {
		t.Fatalf("requests = %d, renders = %d", doer.calls, renderer.calls)
	}
	if failuresAtRender != 3 {
		t.Fatalf("escalated at %d failures, expected 3", failuresAtRender)
	}
	if got := e.Counters().URLFailures(testURL); got != 0 {
		t.Fatalf("url failures after render = %d", got)
	}
	// 第一次 403 不刷新，第二次刷新，第三次直接升级
	if cookies.calls != 1 {
		t.Fatalf("cookie refreshes = %d, expected 1", cookies.calls)
	}
	if renderer.cookies[session.SentinelCookie] != "fresh" {
		t.Fatalf("renderer did not receive session cookies: %v", renderer.cookies)
	}

	if _, err := e.Fetch(context.Background(), testURL); err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if doer.calls != 4 || renderer.calls != 1 {
		t.Fatalf("second fetch should use the lightweight path: requests = %d, renders = %d", doer.calls, renderer.calls)
	}
}

func TestFetchEscalatesAcrossCalls(t *testing.T) {
	doer := &scriptedDoer{script: statuses(403, 403, 403)}
	renderer := &fakeRenderer{html: "rendered"}
	e, _ := newTestExecutor(ExecutorDeps{Client: doer, Renderer: renderer}, ExecutorOptions{MaxRetries: 2, EscalateAfter: 3})

	if _, err := e.Fetch(context.Background(), testURL); !errors.Is(err, ErrFetchExhausted) {
		t.Fatalf("first Fetch() error = %v, expected ErrFetchExhausted", err)
	}
	if renderer.calls != 0 {
		t.Fatalf("escalated too early")
	}
	if _, err := e.Fetch(context.Background(), testURL); err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if doer.calls != 3 || renderer.calls != 1 {
		t.Fatalf("requests = %d, renders = %d", doer.calls, renderer.calls)
	}
}

func TestFetchUsesBrowserWhenAlreadyFailing(t *testing.T) {
	doer := &scriptedDoer{}
	renderer := &fakeRenderer{html: "rendered"}
	e, _ := newTestExecutor(ExecutorDeps{Client: doer, Renderer: renderer}, ExecutorOptions{EscalateAfter: 3})
	for i := 0; i < 3; i++ {
		e.Counters().Failed(testURL, classTransient)
	}

	if _, err := e.Fetch(context.Background(), testURL); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if doer.calls != 0 || renderer.calls != 1 {
		t.Fatalf("requests = %d, renders = %d", doer.calls, renderer.calls)
	}
}

func TestFetchRenderFailureKeepsCount(t *testing.T) {
	doer := &scriptedDoer{script: statuses(403, 403, 403)}
	renderer := &fakeRenderer{err: errors.New("navigation timeout")}
	e, _ := newTestExecutor(ExecutorDeps{Client: doer, Renderer: renderer}, ExecutorOptions{EscalateAfter: 3})

	if _, err := e.Fetch(context.Background(), testURL); err == nil {
		t.Fatalf("expected render error")
	}
	if got := e.Counters().URLFailures(testURL); got != 4 {
		t.Fatalf("url failures = %d, expected 4", got)
	}
}

func TestFetchWithoutBrowserExhausts(t *testing.T) {
	doer := &scriptedDoer{script: statuses(403, 403, 403)}
	e, rec := newTestExecutor(ExecutorDeps{Client: doer}, ExecutorOptions{MaxRetries: 3})

	_, err := e.Fetch(context.Background(), testURL)
	if !errors.Is(err, ErrFetchExhausted) {
		t.Fatalf("Fetch() error = %v, expected ErrFetchExhausted", err)
	}
	if doer.calls != 3 {
		t.Fatalf("requests = %d", doer.calls)
	}
	// 最后一次失败之后不再等待
	if !equalDurations(rec.delays, []time.Duration{2 * time.Second, 4 * time.Second}) {
		t.Fatalf("delays = %v", rec.delays)
	}
	snap := e.Counters().Snapshot()
	if snap.Consecutive403 != 3 || snap.URLFailures[testURL] != 3 {
		t.Fatalf("counters = %+v", snap)
	}
}

func TestFetchForbiddenRotatesOnlyWithPool(t *testing.T) {
	tests := []struct {
		name      string
		endpoints []proxy.Endpoint
		rotations int
	}{
		{"single proxy", []proxy.Endpoint{{Host: "10.0.0.1", Port: "80"}}, 0},
		{"pool of two", []proxy.Endpoint{{Host: "10.0.0.1", Port: "80"}, {Host: "10.0.0.2", Port: "80"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := proxy.NewPool(tt.endpoints, proxy.Options{}, quietLogger())
			doer := &scriptedDoer{script: statuses(403, 403, 200)}
			cookies := &fakeCookies{}
			e, _ := newTestExecutor(ExecutorDeps{Client: doer, Pool: pool, Cookies: cookies}, ExecutorOptions{})

			if _, err := e.Fetch(context.Background(), testURL); err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if pool.Rotations() != tt.rotations {
				t.Fatalf("rotations = %d, expected %d", pool.Rotations(), tt.rotations)
			}
			if cookies.calls != 1 {
				t.Fatalf("cookie refreshes = %d, expected 1", cookies.calls)
			}
		})
	}
}

func TestFetchTransientAndRedirect(t *testing.T) {
	doer := &scriptedDoer{script: []step{
		{status: 503},
		{err: errors.New("proxy connect: connection refused")},
		{status: 403},
		{status: 302},
		{status: 200, body: "done"},
	}}
	cookies := &fakeCookies{}
	e, rec := newTestExecutor(ExecutorDeps{Client: doer, Cookies: cookies}, ExecutorOptions{MaxRetries: 5})

	body, err := e.Fetch(context.Background(), testURL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(body) != "done" {
		t.Fatalf("body = %q", body)
	}
	expected := []time.Duration{
		2 * time.Second,  // 503
		4 * time.Second,  // 网络错误
		6 * time.Second,  // 403，第 3 次
		12 * time.Second, // 302，第 4 次
	}
	if !equalDurations(rec.delays, expected) {
		t.Fatalf("delays = %v, expected %v", rec.delays, expected)
	}
	// 403（非首次）和 302 各刷新一次
	if cookies.calls != 2 {
		t.Fatalf("cookie refreshes = %d", cookies.calls)
	}
	snap := e.Counters().Snapshot()
	if snap.Good != 1 || snap.Bad != 4 || snap.Consecutive403 != 0 {
		t.Fatalf("counters = %+v", snap)
	}
}

func TestRedirectResetsConsecutiveCounters(t *testing.T) {
	c := NewCounters()
	c.Failed(testURL, classForbidden)
	c.Failed(testURL, classRateLimited)
	c.Failed(testURL, classRedirect)
	snap := c.Snapshot()
	if snap.Consecutive403 != 0 || snap.Consecutive429 != 0 {
		t.Fatalf("counters = %+v", snap)
	}
	if snap.URLFailures[testURL] != 3 || snap.Bad != 3 {
		t.Fatalf("counters = %+v", snap)
	}
}

func TestFetchCookiesMergedAndPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	snapshot := session.NewSnapshot(path)
	if _, err := snapshot.Save(map[string]string{"a": "1"}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	doer := &scriptedDoer{script: []step{{status: 200, body: "x", setCookie: "u=abc; Path=/; HttpOnly"}}}
	e, _ := newTestExecutor(ExecutorDeps{Client: doer, Snapshot: session.NewSnapshot(path)}, ExecutorOptions{})

	if _, err := e.Fetch(context.Background(), testURL); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if doer.cookies[0] != "a=1" {
		t.Fatalf("request cookie header = %q", doer.cookies[0])
	}

	jar, err := session.NewSnapshot(path).Load()
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if jar["a"] != "1" || jar["u"] != "abc" {
		t.Fatalf("snapshot = %v", jar)
	}
}

func TestFetchCancelled(t *testing.T) {
	doer := &scriptedDoer{}
	e, _ := newTestExecutor(ExecutorDeps{Client: doer}, ExecutorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Fetch(ctx, testURL); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v", err)
	}
	if doer.calls != 0 {
		t.Fatalf("requests = %d", doer.calls)
	}
}

func TestRefreshCookiesFailureKeepsSession(t *testing.T) {
	cookies := &fakeCookies{err: errors.New("no ft cookie")}
	e, _ := newTestExecutor(ExecutorDeps{Client: &scriptedDoer{}, Cookies: cookies}, ExecutorOptions{})
	before := e.Session()

	if e.RefreshCookies(context.Background()) {
		t.Fatalf("expected refresh to fail")
	}
	if e.Session() != before {
		t.Fatalf("session replaced after failed refresh")
	}

	cookies.err = nil
	cookies.jar = map[string]string{}
	if e.RefreshCookies(context.Background()) {
		t.Fatalf("expected empty jar to count as failure")
	}
}

func TestMaintainRefreshesOnInterval(t *testing.T) {
	cookies := &fakeCookies{}
	e, _ := newTestExecutor(ExecutorDeps{Client: &scriptedDoer{}, Cookies: cookies}, ExecutorOptions{CookieRefreshInterval: 4 * time.Minute})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	e.Maintain(context.Background())
	if cookies.calls != 1 {
		t.Fatalf("expected initial refresh, calls = %d", cookies.calls)
	}
	now = now.Add(time.Minute)
	e.Maintain(context.Background())
	if cookies.calls != 1 {
		t.Fatalf("refreshed before interval, calls = %d", cookies.calls)
	}
	now = now.Add(4 * time.Minute)
	e.Maintain(context.Background())
	if cookies.calls != 2 {
		t.Fatalf("expected refresh after interval, calls = %d", cookies.calls)
	}
}

func TestSnapshotSessionDelaysFirstRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	if _, err := session.NewSnapshot(path).Save(map[string]string{session.SentinelCookie: "old"}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	cookies := &fakeCookies{}
	e, _ := newTestExecutor(ExecutorDeps{Client: &scriptedDoer{}, Cookies: cookies, Snapshot: session.NewSnapshot(path)},
		ExecutorOptions{CookieRefreshInterval: time.Hour})

	e.Maintain(context.Background())
	if cookies.calls != 0 {
		t.Fatalf("refreshed despite a valid snapshot session")
	}
}

// ============================================================================
// 分类与地址
// ============================================================================

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		status   int
		err      error
		expected responseClass
	}{
		{200, nil, classOK},
		{204, nil, classOK},
		{429, nil, classRateLimited},
		{403, nil, classForbidden},
		{302, nil, classRedirect},
		{301, nil, classTransient},
		{404, nil, classTransient},
		{500, nil, classTransient},
		{0, errors.New("timeout"), classTransient},
		{200, context.DeadlineExceeded, classTransient},
	}
	for _, tt := range tests {
		if got := classifyResponse(tt.status, tt.err); got != tt.expected {
			t.Errorf("classifyResponse(%d, %v) = %s, expected %s", tt.status, tt.err, got, tt.expected)
		}
	}
	if statusLabel(0, context.DeadlineExceeded) != "timeout" || statusLabel(0, errors.New("x")) != "network" || statusLabel(429, nil) != "429" {
		t.Errorf("unexpected status labels")
	}
}

func TestNextPageURL(t *testing.T) {
	got, err := NextPageURL("https://www.avito.ru/moskva?q=bmx")
	if err != nil || got != "https://www.avito.ru/moskva?p=2&q=bmx" {
		t.Fatalf("NextPageURL() = %q, %v", got, err)
	}
	got, err = NextPageURL(got)
	if err != nil || got != "https://www.avito.ru/moskva?p=3&q=bmx" {
		t.Fatalf("NextPageURL() = %q, %v", got, err)
	}
	if _, err := NextPageURL("https://www.avito.ru/moskva?p=abc"); err == nil {
		t.Fatalf("expected error for non-numeric page")
	}
}

func TestNextPageURLKeepsConfiguredPage(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
		wantErr  bool
	}{
		{"https://www.avito.ru/moskva/velosipedy?q=bmx&p=3", "https://www.avito.ru/moskva/velosipedy?p=4&q=bmx", false},
		{"https://www.avito.ru/moskva/velosipedy", "https://www.avito.ru/moskva/velosipedy?p=2", false},
		{"/moskva/velosipedy?p=2", "", true},
		{"www.avito.ru/moskva", "", true},
	}
	for _, tt := range tests {
		got, err := NextPageURL(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NextPageURL(%q) error = %v", tt.raw, err)
		}
		if got != tt.expected {
			t.Errorf("NextPageURL(%q) = %q, expected %q", tt.raw, got, tt.expected)
		}
	}
}

func TestRenderRotationResetsRateLimitStreak(t *testing.T) {
	pool := proxy.NewPool([]proxy.Endpoint{
		{Host: "10.0.0.1", Port: "8080"},
		{Host: "10.0.0.2", Port: "8080"},
	}, proxy.Options{}, quietLogger())
	renderer := &fakeRenderer{err: errors.New("blocked"), onCall: func() { pool.Rotate() }}
	e, _ := newTestExecutor(ExecutorDeps{Client: &scriptedDoer{}, Pool: pool, Cookies: &fakeCookies{}, Renderer: renderer}, ExecutorOptions{})
	e.counters.Failed(testURL, classRateLimited)

	if _, err := e.render(context.Background(), testURL); err == nil {
		t.Fatalf("render() expected error")
	}
	if got := e.Counters().Consecutive429(); got != 0 {
		t.Fatalf("consecutive 429 = %d after browser rotation", got)
	}
}
