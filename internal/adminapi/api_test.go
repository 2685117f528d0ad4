package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"jobsched/internal/job"
	"jobsched/internal/monitor"
	"jobsched/internal/storage"
	"jobsched/internal/task/pool"
	logx "jobsched/pkg/logx"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: storage.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "api.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newServer(t *testing.T, cfg Config, checks map[string]func(context.Context) error) (*Server, *storage.Store) {
	t.Helper()
	st := newStore(t)
	reg := pool.NewRegistry()
	for _, typ := range []string{"email", "processing"} {
		if err := reg.Register(typ, func(context.Context, pool.Task) (string, error) { return "ok", nil }); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if checks == nil {
		checks = map[string]func(context.Context) error{"database": st.Ping}
	}
	srv := New(cfg, Deps{
		Store:   st,
		Types:   reg,
		Monitor: monitor.New(logx.Nop(), nil),
		Checks:  checks,
		Pool:    func() pool.Snapshot { return pool.Snapshot{Units: 5, Busy: 2, QueueLen: 1} },
	}, logx.Nop())
	return srv, st
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, Config{}, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/jobs",
		`{"name":"digest","type":"email","cronSchedule":"0 * * * *","priority":3,"data":{"to":"a@example.com"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /jobs = %d %s, want 201", rec.Code, rec.Body)
	}
	raw := decode[map[string]any](t, rec)
	for _, k := range []string{"id", "cronSchedule", "nextRun", "maxRetries", "retryCount", "isLocked", "createdAt"} {
		if _, ok := raw[k]; !ok {
			t.Fatalf("response missing %q: %v", k, raw)
		}
	}
	if raw["recurring"] != true || raw["status"] != "pending" || raw["maxRetries"] != float64(job.DefaultMaxRetries) {
		t.Fatalf("created job = %v", raw)
	}

	id := int64(raw["id"].(float64))
	rec = do(t, h, http.MethodGet, "/jobs/"+jsonInt(id), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /jobs/:id = %d", rec.Code)
	}
	if got := decode[job.Job](t, rec); got.Name != "digest" || got.Priority != 3 || got.Data["to"] != "a@example.com" {
		t.Fatalf("job = %+v", got)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestCreateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown type", `{"name":"x","type":"fax"}`, http.StatusBadRequest},
		{"bad cron", `{"name":"x","type":"email","cronSchedule":"every tuesday"}`, http.StatusBadRequest},
		{"missing name", `{"type":"email"}`, http.StatusBadRequest},
		{"negative retries", `{"name":"x","type":"email","maxRetries":-1}`, http.StatusBadRequest},
		{"not json", `{"name":`, http.StatusBadRequest},
	}
	srv, _ := newServer(t, Config{}, nil)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, srv.Handler(), http.MethodPost, "/jobs", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d %s, want %d", rec.Code, rec.Body, tt.want)
			}
			if body := decode[errorBody](t, rec); body.Error == "" || body.RequestID == "" {
				t.Fatalf("error body = %+v", body)
			}
		})
	}
}

func TestUpdateDeleteAndHistory(t *testing.T) {
	t.Parallel()
	srv, st := newServer(t, Config{}, nil)
	h := srv.Handler()
	ctx := context.Background()
	j, err := st.Create(ctx, job.Spec{Name: "report", Type: "processing"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := "/jobs/" + jsonInt(j.ID)

	rec := do(t, h, http.MethodPatch, path, `{"name":"nightly report","cronSchedule":"0 2 * * *"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH = %d %s", rec.Code, rec.Body)
	}
	got := decode[job.Job](t, rec)
	if got.Name != "nightly report" || !got.Recurring || got.Version != j.Version+1 {
		t.Fatalf("patched = %+v", got)
	}
	if rec := do(t, h, http.MethodPatch, path, `{"cronSchedule":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("PATCH bad cron = %d, want 400", rec.Code)
	}

	if _, err := st.AppendHistory(ctx, job.History{JobID: j.ID, Status: job.StatusCompleted, Result: "ok", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	rec = do(t, h, http.MethodGet, path+"/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history = %d", rec.Code)
	}
	if hist := decode[[]job.History](t, rec); len(hist) != 1 || hist[0].Result != "ok" {
		t.Fatalf("history = %+v", hist)
	}

	if rec := do(t, h, http.MethodDelete, path, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d, want 204", rec.Code)
	}
	for _, p := range []string{path, path + "/history"} {
		if rec := do(t, h, http.MethodGet, p, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("GET %s after delete = %d, want 404", p, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodDelete, path, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/jobs/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("GET /jobs/abc = %d, want 400", rec.Code)
	}
}

func TestListAndOverdue(t *testing.T) {
	t.Parallel()
	srv, st := newServer(t, Config{}, nil)
	h := srv.Handler()
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := st.Create(ctx, job.Spec{Name: name, Type: "email"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	done, err := st.Create(ctx, job.Spec{Name: "done", Type: "email"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.UpdateStatus(ctx, done.ID, job.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if jobs := decode[[]job.Job](t, do(t, h, http.MethodGet, "/jobs?status=pending&limit=2", "")); len(jobs) != 2 {
		t.Fatalf("pending page = %d jobs, want 2", len(jobs))
	}
	if jobs := decode[[]job.Job](t, do(t, h, http.MethodGet, "/jobs?status=completed", "")); len(jobs) != 1 || jobs[0].ID != done.ID {
		t.Fatalf("completed = %+v", jobs)
	}
	if rec := do(t, h, http.MethodGet, "/jobs?status=running", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/jobs?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", rec.Code)
	}

	time.Sleep(5 * time.Millisecond)
	if jobs := decode[[]job.Job](t, do(t, h, http.MethodGet, "/jobs/overdue", "")); len(jobs) != 3 {
		t.Fatalf("overdue = %d jobs, want 3", len(jobs))
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	down := errors.New("dial tcp: connection refused")
	tests := []struct {
		name   string
		checks map[string]func(context.Context) error
		want   int
	}{
		{"all ok", map[string]func(context.Context) error{
			"database": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return nil },
		}, http.StatusOK},
		{"redis down", map[string]func(context.Context) error{
			"database": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return down },
		}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newServer(t, Config{}, tt.checks)
			rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			body := decode[healthBody](t, rec)
			if body.Checks["database"] != "ok" || body.Pool == nil || body.Pool.Units != 5 {
				t.Fatalf("body = %+v", body)
			}
			if tt.want != http.StatusOK && body.Checks["redis"] != down.Error() {
				t.Fatalf("redis check = %q", body.Checks["redis"])
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	srv, st := newServer(t, Config{}, nil)
	if _, err := st.Create(context.Background(), job.Spec{Name: "a", Type: "email"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`jobs_processed_total{status="completed"} 0`,
		"jobs_success_total 0",
		`jobs{status="pending"} 1`,
		"jobs_locked 0",
		"worker_pool_busy 2",
		"worker_pool_queue_length 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, Config{RateLimit: 2, RateLimitWindow: time.Minute}, nil)
	h := srv.Handler()
	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodGet, "/jobs", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodGet, "/jobs", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	// Health is not rate limited.
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("/health = %d, want 200", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, Config{JWTSecret: "s3cret"}, nil)
	h := srv.Handler()

	sign := func(secret string, exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		s, err := tok.SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + sign("other", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", "Bearer " + sign("s3cret", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"valid", "Bearer " + sign("s3cret", time.Now().Add(time.Hour)), http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hdr []string
			if tt.auth != "" {
				hdr = []string{"Authorization", tt.auth}
			}
			if rec := do(t, h, http.MethodGet, "/jobs", "", hdr...); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("/metrics without token = %d, want 200", rec.Code)
	}
}
