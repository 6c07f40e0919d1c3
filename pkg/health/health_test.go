package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

func passing() CheckFunc {
	return func(context.Context) error { return nil }
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func get(t *testing.T, endpoint http.HandlerFunc) (int, response) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func runN(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

// --- Tests ---

func TestLiveEndpoint(t *testing.T) {
	for _, tt := range []struct {
		name       string
		checks     map[string]CheckFunc
		runs       int
		wantCode   int
		wantChecks map[string]string
	}{
		{"no checks", nil, 0, http.StatusOK, nil},
		{"all passing", map[string]CheckFunc{"a": passing(), "b": passing()}, 3, http.StatusOK, nil},
		{"below threshold", map[string]CheckFunc{"db": failing("refused")}, 2, http.StatusOK, nil},
		{
			"failing", map[string]CheckFunc{"db": failing("refused"), "ok": passing()}, 3,
			http.StatusServiceUnavailable, map[string]string{"db": "refused"},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			for name, fn := range tt.checks {
				h.AddLivenessCheck(name, time.Second, fn)
			}
			for _, c := range h.liveness {
				runN(c, tt.runs)
			}

			code, body := get(t, h.LiveEndpoint)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantChecks, body.Checks)
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.AddReadinessCheck("journal", time.Second, failing("disk full"), WithThresholds(1, 1))

	code, body := get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"_readiness": "service is not ready"}, body.Checks)

	h.SetReady(true)
	code, body = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, h.IsReady())

	runN(h.readiness[1], 1)
	code, body = get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"journal": "disk full"}, body.Checks)
	assert.False(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestCheckRecovers(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(context.Context) error {
		if broken.Load() {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2))
	c := h.liveness[0]

	runN(c, 2)
	code, _ := get(t, h.LiveEndpoint)
	require.Equal(t, http.StatusServiceUnavailable, code)

	broken.Store(false)
	runN(c, 1)
	code, _ = get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code, "one success is below the threshold")

	runN(c, 1)
	code, _ = get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.AddLivenessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithThresholds(1, 1))

	runN(h.liveness[0], 1)
	code, body := get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, context.DeadlineExceeded.Error(), body.Checks["slow"])
}

func TestStartAndStop(t *testing.T) {
	var runs atomic.Int32
	h := New()
	h.AddReadinessCheck("count", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)

	h.Stop()
	h.Stop()
	time.Sleep(20 * time.Millisecond)
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), after+1)
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("live", time.Second, passing())
	h.AddReadinessCheck("ready", time.Second, failing("x"))
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.SetReady(true)
				_ = h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestBacklogCheck(t *testing.T) {
	n := 3
	check := BacklogCheck("payment attempts", func() int { return n }, 5)
	assert.NoError(t, check(context.Background()))

	n = 6
	err := check(context.Background())
	require.Error(t, err)
	assert.Equal(t, "6 payment attempts exceeds limit 5", err.Error())
}
