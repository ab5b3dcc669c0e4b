package app

import (
	"fmt"

	"igpilot/internal/config"
	"igpilot/internal/eventbus"
	"igpilot/internal/executor"
	"igpilot/internal/notify"
	"igpilot/internal/opsapi"
	"igpilot/internal/proxy"
	"igpilot/internal/quota"
	"igpilot/internal/remote"
	"igpilot/internal/session"
	"igpilot/internal/storage"
	"igpilot/internal/task/engine"
	"igpilot/internal/task/scheduler"
	"igpilot/internal/vault"
	"igpilot/pkg/logx"

	// Built-in remote drivers.
	_ "igpilot/internal/remote/sim"
)

// components is everything New wires together, in dependency order.
type components struct {
	store    storage.Store
	vault    *vault.Vault
	client   remote.Client
	sessions *session.Manager
	quota    *quota.Budget
	engine   *engine.Service
	exec     *executor.Executor
	sched    *scheduler.Service
	notif    *notify.Service
	ops      *opsapi.Server
}

func build(res *config.Resolved, log logx.Logger, bus eventbus.Bus) (*components, error) {
	v, err := vault.New(res.Vault)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	store, err := storage.Open(res.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", res.Storage.Driver))

	client, err := remote.Open(res.Remote, log.With(logx.String("comp", "remote")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("remote: %w", err)
	}

	sessions := session.New(res.Sessions, log.With(logx.String("comp", "sessions")),
		store, v, proxy.NewRegistry(store, v), client, session.WithBus(bus))

	gate := quota.NewBudget(res.Quota)
	eng := engine.New(res.Engine, log.With(logx.String("comp", "taskengine")), bus)
	exec := executor.New(log.With(logx.String("comp", "executor")), sessions.Locks(), gate, sessions, client)
	sched := scheduler.New(res.Scheduler, log.With(logx.String("comp", "scheduler")), bus,
		store, eng, exec, scheduler.WithRefresher(sessions))

	nlog := log.With(logx.String("comp", "notify"))
	sender, err := notify.SenderFor(res.Notify.Telegram, nlog)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("notify: %w", err)
	}
	notif := notify.New(res.Notify, sender, nlog, bus)

	return &components{
		store:    store,
		vault:    v,
		client:   client,
		sessions: sessions,
		quota:    gate,
		engine:   eng,
		exec:     exec,
		sched:    sched,
		notif:    notif,
	}, nil
}
