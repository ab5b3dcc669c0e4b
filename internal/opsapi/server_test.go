package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"igpilot/internal/fault"
	"igpilot/internal/model"
	"igpilot/internal/session"
	"igpilot/internal/storage"
	"igpilot/internal/task/scheduler"
	"igpilot/pkg/logx"
)

type fakeJobs struct {
	jobs map[string]model.JobState
}

func (f *fakeJobs) Status(_ context.Context, id string) (scheduler.Status, error) {
	st, ok := f.jobs[id]
	if !ok {
		return scheduler.Status{}, fault.Newf(fault.ClassNotFound, "status", "job %s not found", id)
	}
	return scheduler.Status{ID: id, State: st}, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) (model.JobState, error) {
	st := f.jobs[id]
	if st.Terminal() {
		return st, scheduler.ErrFinished
	}
	f.jobs[id] = model.JobCancelled
	return model.JobCancelled, nil
}

func (f *fakeJobs) Retry(_ context.Context, id string) (*model.Job, error) {
	return &model.Job{ID: id + "-2", RetryOf: id, Attempt: 2}, nil
}

func (f *fakeJobs) Aggregate(_ context.Context, parent string) (scheduler.SearchSummary, error) {
	return scheduler.SearchSummary{ParentID: parent, Counts: map[model.JobState]int{model.JobCompleted: 2}, Done: true}, nil
}

type fakeSessions struct{ cleared []int64 }

func (f *fakeSessions) CheckStatus(_ context.Context, id int64) (session.Status, error) {
	if id == 404 {
		return session.Status{}, storage.ErrNotFound
	}
	return session.Status{AccountID: id, State: model.LoggedIn, Live: true}, nil
}

func (f *fakeSessions) Clear(_ context.Context, id int64) error {
	f.cleared = append(f.cleared, id)
	return nil
}

func newServer(token string) (*Server, *fakeJobs, *fakeSessions) {
	jobs := &fakeJobs{jobs: map[string]model.JobState{"a": model.JobPending, "b": model.JobCompleted}}
	sess := &fakeSessions{}
	s := New(Config{Token: token}, logx.Nop(), Deps{Jobs: jobs, Sessions: sess, Health: func() (bool, any) { return true, "ready" }})
	return s, jobs, sess
}

func do(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	s, _, _ := newServer("")
	cases := []struct {
		method, path string
		code         int
		contains     string
	}{
		{http.MethodGet, "/healthz", http.StatusOK, `"status":"ok"`},
		{http.MethodGet, "/jobs/a", http.StatusOK, `"state":"pending"`},
		{http.MethodGet, "/jobs/zzz", http.StatusNotFound, `"class":"not_found"`},
		{http.MethodPost, "/jobs/b/cancel", http.StatusConflict, `"state":"completed"`},
		{http.MethodPost, "/jobs/a/cancel", http.StatusOK, `"state":"cancelled"`},
		{http.MethodPost, "/jobs/b/retry", http.StatusAccepted, `"retry_of":"b"`},
		{http.MethodGet, "/searches/p1", http.StatusOK, `"done":true`},
		{http.MethodGet, "/accounts/7/status", http.StatusOK, `"live":true`},
		{http.MethodGet, "/accounts/404/status", http.StatusNotFound, `"class":"not_found"`},
		{http.MethodGet, "/accounts/x/status", http.StatusBadRequest, "invalid account id"},
		{http.MethodPost, "/accounts/7/clear", http.StatusNoContent, ""},
	}
	for _, tc := range cases {
		rec := do(s, tc.method, tc.path, "")
		if rec.Code != tc.code {
			t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.path, tc.code, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), tc.contains) {
			t.Fatalf("%s %s: expected body to contain %s, got %s", tc.method, tc.path, tc.contains, rec.Body.String())
		}
	}
}

func TestTokenGuardsWrites(t *testing.T) {
	s, jobs, sess := newServer("secret")

	if rec := do(s, http.MethodPost, "/jobs/a/cancel", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if jobs.jobs["a"] != model.JobPending {
		t.Fatalf("expected job untouched, got %s", jobs.jobs["a"])
	}
	if rec := do(s, http.MethodPost, "/accounts/3/clear", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/accounts/3/clear", "secret"); rec.Code != http.StatusNoContent || len(sess.cleared) != 1 {
		t.Fatalf("expected clear with token, got %d / %v", rec.Code, sess.cleared)
	}
	if rec := do(s, http.MethodGet, "/jobs/a", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected reads open, got %d", rec.Code)
	}
}

func TestHealthDegraded(t *testing.T) {
	s := New(Config{}, logx.Nop(), Deps{Health: func() (bool, any) { return false, map[string]string{"engine": "stopped"} }})
	rec := do(s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "degraded" {
		t.Fatalf("expected degraded, got %s (%v)", rec.Body.String(), err)
	}
}

func TestPprofIsOptInAndGuarded(t *testing.T) {
	off, _, _ := newServer("")
	if rec := do(off, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without pprof, got %d", rec.Code)
	}

	on := New(Config{Token: "secret", Pprof: true}, logx.Nop(), Deps{})
	if rec := do(on, http.MethodGet, "/debug/pprof/goroutine", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := do(on, http.MethodGet, "/debug/pprof/goroutine?debug=1", "secret"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "goroutine") {
		t.Fatalf("expected goroutine profile, got %d", rec.Code)
	}
}
