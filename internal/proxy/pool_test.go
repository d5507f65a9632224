package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"avitohunter/internal/config"
)

type sleepRecorder struct {
	calls []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return ctx.Err()
}

func mustEndpoints(t *testing.T, raws ...string) []Endpoint {
	t.Helper()
	out := make([]Endpoint, 0, len(raws))
	for _, raw := range raws {
		ep, err := ParseEndpoint(raw)
		if err != nil {
			t.Fatalf("ParseEndpoint(%q): %v", raw, err)
		}
		out = append(out, ep)
	}
	return out
}

func TestPoolRotateVisitsAllBeforeRepeating(t *testing.T) {
	eps := mustEndpoints(t, "1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80", "4.4.4.4:80")
	p := NewPool(eps, Options{}, nil)

	first, ok := p.Active()
	if !ok {
		t.Fatal("Active() on non-empty pool returned false")
	}
	seen := map[string]bool{first.Key(): true}
	for i := 0; i < len(eps)-1; i++ {
		ep, ok := p.Rotate()
		if !ok {
			t.Fatalf("Rotate() #%d returned false", i+1)
		}
		if seen[ep.Key()] {
			t.Fatalf("endpoint %s repeated before all were visited", ep.Key())
		}
		seen[ep.Key()] = true
	}
	if len(seen) != len(eps) {
		t.Fatalf("visited %d endpoints, expected %d", len(seen), len(eps))
	}

	wrapped, _ := p.Rotate()
	if wrapped.Key() != first.Key() {
		t.Errorf("after a full cycle Rotate() = %s, expected %s", wrapped.Key(), first.Key())
	}
	if p.Rotations() != len(eps) {
		t.Errorf("Rotations() = %d, expected %d", p.Rotations(), len(eps))
	}
}

func TestPoolRotateNeedsTwoEndpoints(t *testing.T) {
	tests := []struct {
		name string
		eps  []Endpoint
	}{
		{"empty", nil},
		{"single", mustEndpoints(t, "1.1.1.1:80")},
		{"duplicates collapse to one", mustEndpoints(t, "u:p:1.1.1.1:80", "1.1.1.1:80@u:p")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(tt.eps, Options{}, nil)
			before, hadActive := p.Active()
			if _, ok := p.Rotate(); ok {
				t.Fatal("Rotate() should fail when pool has <= 1 member")
			}
			after, hasActive := p.Active()
			if hadActive != hasActive || before != after {
				t.Errorf("Active() changed after failed rotate: %+v -> %+v", before, after)
			}
			if p.Rotations() != 0 {
				t.Errorf("Rotations() = %d, expected 0", p.Rotations())
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.ProxyConfig{
		Enabled:     true,
		ProxyString: "user:pass:1.2.3.4:8080",
		Pool:        []string{"1.2.3.4:8080@user:pass", "garbage", "5.6.7.8:3128"},
		ChangeURL:   "https://change.example/api",
	}
	p := FromConfig(cfg, nil)
	if p.Size() != 2 {
		t.Fatalf("Size() = %d, expected 2 (dedup + skip invalid)", p.Size())
	}
	active, _ := p.Active()
	if active.Key() != "user:pass@1.2.3.4:8080" {
		t.Errorf("Active() = %s", active.Key())
	}

	cfg.Enabled = false
	disabled := FromConfig(cfg, nil)
	if disabled.Size() != 0 {
		t.Errorf("disabled proxy should yield empty pool, got %d", disabled.Size())
	}
	if disabled.changeURL() != "" {
		t.Errorf("disabled proxy should not keep change url")
	}
}

func TestChangeViaProvider(t *testing.T) {
	tests := []struct {
		name          string
		changePath    string
		statuses      []int
		attempts      int
		expectedErr   error
		expectedCalls int32
		expectedSleep int
	}{
		{"ok first try", "/change", []int{200}, 3, nil, 1, 0},
		{"ok with existing query", "/change?key=abc", []int{200}, 3, nil, 1, 0},
		{"retry then ok", "/change", []int{500, 502, 200}, 3, nil, 3, 2},
		{"auth failure stops immediately", "/change", []int{407, 200}, 3, ErrProviderAuth, 1, 0},
		{"forbidden is auth failure", "/change", []int{403}, 3, ErrProviderAuth, 1, 0},
		{"exhausted", "/change", []int{500, 500, 500}, 3, ErrProviderFailed, 3, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			var mu sync.Mutex
			var lastFormat, lastKey string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				mu.Lock()
				lastFormat = r.URL.Query().Get("format")
				lastKey = r.URL.Query().Get("key")
				mu.Unlock()
				status := tt.statuses[len(tt.statuses)-1]
				if int(n) <= len(tt.statuses) {
					status = tt.statuses[n-1]
				}
				w.WriteHeader(status)
				if status == http.StatusOK {
					_, _ = w.Write([]byte(`{"new_ip":"9.9.9.9"}`))
				}
			}))
			defer srv.Close()

			rec := &sleepRecorder{}
			p := NewPool(nil, Options{
				ChangeURL:      srv.URL + tt.changePath,
				ChangeAttempts: tt.attempts,
				ChangeDelay:    time.Second,
			}, nil)
			p.sleep = rec.sleep

			err := p.ChangeViaProvider(context.Background())
			if tt.expectedErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.expectedErr != nil && !errors.Is(err, tt.expectedErr) {
				t.Fatalf("error = %v, expected %v", err, tt.expectedErr)
			}
			if got := atomic.LoadInt32(&calls); got != tt.expectedCalls {
				t.Errorf("calls = %d, expected %d", got, tt.expectedCalls)
			}
			if len(rec.calls) != tt.expectedSleep {
				t.Errorf("sleeps = %d, expected %d", len(rec.calls), tt.expectedSleep)
			}
			mu.Lock()
			defer mu.Unlock()
			if lastFormat != "json" {
				t.Errorf("format query = %q, expected json", lastFormat)
			}
			if tt.changePath == "/change?key=abc" && lastKey != "abc" {
				t.Errorf("existing query parameter lost: key=%q", lastKey)
			}
		})
	}
}

func TestChangeViaProviderWithoutURL(t *testing.T) {
	p := NewPool(nil, Options{}, nil)
	if err := p.ChangeViaProvider(context.Background()); !errors.Is(err, ErrNoChangeURL) {
		t.Errorf("error = %v, expected ErrNoChangeURL", err)
	}
}

func TestChangeIdentity(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"new_ip":"9.9.9.9"}`))
	}))
	defer okServer.Close()
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusProxyAuthRequired)
	}))
	defer authServer.Close()

	t.Run("rotation preferred over provider", func(t *testing.T) {
		p := NewPool(mustEndpoints(t, "1.1.1.1:80", "2.2.2.2:80"), Options{ChangeURL: okServer.URL}, nil)
		outcome, err := p.ChangeIdentity(context.Background())
		if err != nil || outcome != OutcomeRotated {
			t.Fatalf("ChangeIdentity() = %v, %v", outcome, err)
		}
		active, _ := p.Active()
		if active.Host != "2.2.2.2" {
			t.Errorf("active = %s", active.Host)
		}
	})

	t.Run("single proxy uses provider", func(t *testing.T) {
		p := NewPool(mustEndpoints(t, "1.1.1.1:80"), Options{ChangeURL: okServer.URL}, nil)
		outcome, err := p.ChangeIdentity(context.Background())
		if err != nil || outcome != OutcomeProviderChanged {
			t.Fatalf("ChangeIdentity() = %v, %v", outcome, err)
		}
	})

	t.Run("provider auth failure falls back to waiting", func(t *testing.T) {
		rec := &sleepRecorder{}
		p := NewPool(mustEndpoints(t, "1.1.1.1:80"), Options{
			ChangeURL:      authServer.URL,
			ChangeAttempts: 3,
			RetryDelay:     10 * time.Second,
		}, nil)
		p.sleep = rec.sleep
		outcome, err := p.ChangeIdentity(context.Background())
		if outcome != OutcomeWaited || !errors.Is(err, ErrProviderAuth) {
			t.Fatalf("ChangeIdentity() = %v, %v", outcome, err)
		}
		if len(rec.calls) != 1 || rec.calls[0] != 10*time.Second {
			t.Errorf("sleeps = %v, expected one 10s wait", rec.calls)
		}
	})

	t.Run("local ip simulation", func(t *testing.T) {
		rec := &sleepRecorder{}
		p := NewPool(nil, Options{UseLocalIP: true}, nil)
		p.sleep = rec.sleep
		outcome, err := p.ChangeIdentity(context.Background())
		if err != nil || outcome != OutcomeLocalWait {
			t.Fatalf("ChangeIdentity() = %v, %v", outcome, err)
		}
		if len(rec.calls) != 1 || rec.calls[0] < localIPWaitMin || rec.calls[0] > localIPWaitMax {
			t.Errorf("local wait = %v, expected within [%v, %v]", rec.calls, localIPWaitMin, localIPWaitMax)
		}
	})

	t.Run("no proxy waits", func(t *testing.T) {
		rec := &sleepRecorder{}
		p := NewPool(nil, Options{NoProxyDelay: 300 * time.Second}, nil)
		p.sleep = rec.sleep
		outcome, err := p.ChangeIdentity(context.Background())
		if err != nil || outcome != OutcomeWaited {
			t.Fatalf("ChangeIdentity() = %v, %v", outcome, err)
		}
		if len(rec.calls) != 1 || rec.calls[0] != 300*time.Second {
			t.Errorf("sleeps = %v", rec.calls)
		}
	})

	t.Run("single proxy without provider", func(t *testing.T) {
		p := NewPool(mustEndpoints(t, "1.1.1.1:80"), Options{}, nil)
		outcome, err := p.ChangeIdentity(context.Background())
		if outcome != OutcomeNone || !errors.Is(err, ErrNoRotation) {
			t.Fatalf("ChangeIdentity() = %v, %v", outcome, err)
		}
	})
}
