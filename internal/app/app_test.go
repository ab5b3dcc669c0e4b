package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"igpilot/internal/config"
	"igpilot/internal/eventbus"
	"igpilot/internal/model"
	"igpilot/internal/task/scheduler"
)

const testKey = "abababababababababababababababababababababababababababababababab"

func startApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "igpilot.yaml")
	body := `
logging:
  level: error
storage:
  path: ` + filepath.Join(dir, "igpilot.db") + `
vault:
  key: ` + testKey + `
remote:
  driver: sim
scheduler:
  status_refresh: ""
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func createAccount(t *testing.T, a *App, username string) *model.Account {
	t.Helper()
	sealed, err := a.vault.Seal("pw")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	acc := &model.Account{TenantID: 1, Username: username, PasswordSealed: sealed}
	if err := a.Store().CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc
}

func TestJobRunsThroughWiredStack(t *testing.T) {
	a := startApp(t)
	acc := createAccount(t, a, "alice")

	j, err := a.Scheduler().Schedule(context.Background(), &model.Job{
		TenantID:  1,
		AccountID: acc.ID,
		Kind:      model.KindFollow,
		Payload:   model.Payload{Username: "bob"},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := httptest.NewRecorder()
		a.ops.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+j.ID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var st scheduler.Status
		if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if st.State == model.JobCompleted {
			break
		}
		if st.State == model.JobFailed || time.Now().After(deadline) {
			t.Fatalf("expected completed, got %s (%s)", st.State, st.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !a.Sessions().Live(acc.ID) {
		t.Fatalf("expected a live session after the job")
	}
	ok, _ := a.health()
	if !ok {
		t.Fatalf("expected healthy app")
	}
}

func TestApplyConfigUpdatesQuotaAndPublishes(t *testing.T) {
	a := startApp(t)
	events, unsub := a.Bus().Subscribe(4, eventbus.ConfigReloaded)
	defer unsub()

	prev := a.cfgm.Get()
	next := *prev
	next.Quota = config.QuotaConfig{DailyActions: 1}
	if !a.applyConfig(context.Background(), prev, &next) {
		t.Fatalf("expected config applied")
	}

	select {
	case ev := <-events:
		sections, _ := ev.Data.([]string)
		if !slices.Contains(sections, "quota") {
			t.Fatalf("expected quota in %v", sections)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected config.reloaded event")
	}

	ctx := context.Background()
	if d, _ := a.quota.Admit(ctx, 1, 1, model.KindFollow); !d.Allowed {
		t.Fatalf("expected first action allowed, got %+v", d)
	}
	if d, _ := a.quota.Admit(ctx, 1, 1, model.KindFollow); d.Allowed {
		t.Fatalf("expected second action denied under the new limit")
	}
}

func TestApplyConfigRejectsInvalid(t *testing.T) {
	a := startApp(t)
	prev := a.cfgm.Get()
	next := *prev
	next.Scheduler.Timezone = "Nowhere/Never"
	if a.applyConfig(context.Background(), prev, &next) {
		t.Fatalf("expected invalid config to be rejected")
	}
}
