package scheduler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"igpilot/internal/executor"
	"igpilot/internal/fault"
	"igpilot/internal/model"
	"igpilot/internal/remote"
	"igpilot/internal/storage"
	"igpilot/pkg/logx"
)

// FanOutSearch spreads the queries of req over its accounts round-robin:
// query i goes to account i mod n. Accounts left without a query get no job.
// Every account is admitted before anything is stored, so a parked account
// rejects the whole request.
func (s *Service) FanOutSearch(ctx context.Context, req SearchRequest) (string, []*model.Job, error) {
	if len(req.AccountIDs) == 0 {
		return "", nil, fault.New(fault.ClassInvalid, "fanout", "at least one account is required")
	}
	queries := make([]string, 0, len(req.Queries))
	for _, q := range req.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return "", nil, fault.New(fault.ClassInvalid, "fanout", "at least one query is required")
	}
	for _, id := range req.AccountIDs {
		if err := s.admit(ctx, id); err != nil {
			return "", nil, err
		}
	}

	buckets := make([][]string, len(req.AccountIDs))
	for i, q := range queries {
		k := i % len(req.AccountIDs)
		buckets[k] = append(buckets[k], q)
	}

	parent := uuid.NewString()
	jobs := make([]*model.Job, 0, len(req.AccountIDs))
	for i, accountID := range req.AccountIDs {
		if len(buckets[i]) == 0 {
			continue
		}
		j, err := s.Schedule(ctx, &model.Job{
			ParentID:  parent,
			TenantID:  req.TenantID,
			AccountID: accountID,
			Kind:      model.KindSearch,
			Payload: model.Payload{
				Queries:    buckets[i],
				SearchType: req.SearchType,
				Limit:      req.Limit,
			},
			ScheduledAt: req.ScheduledAt,
			Repeat:      req.Repeat,
		})
		if err != nil {
			return parent, jobs, err
		}
		jobs = append(jobs, j)
	}
	s.log.Info("search fanned out", logx.String("parent", parent), logx.Int("queries", len(queries)), logx.Int("jobs", len(jobs)))
	return parent, jobs, nil
}

// Aggregate summarizes the sub-jobs of a fan-out. A failed row that was
// retried is represented by its retry.
func (s *Service) Aggregate(ctx context.Context, parentID string) (SearchSummary, error) {
	rows, err := s.store.ListJobs(ctx, storage.JobFilter{ParentID: parentID})
	if err != nil {
		return SearchSummary{}, fault.Wrap(fault.ClassInternal, "aggregate", err)
	}
	if len(rows) == 0 {
		return SearchSummary{}, fault.Newf(fault.ClassNotFound, "aggregate", "search %s not found", parentID)
	}

	superseded := make(map[string]bool)
	for _, j := range rows {
		if j.RetryOf != "" {
			superseded[j.RetryOf] = true
		}
	}

	sum := SearchSummary{
		ParentID: parentID,
		Counts:   map[model.JobState]int{},
		Done:     true,
		Hits:     []remote.SearchHit{},
	}
	for _, j := range rows {
		if superseded[j.ID] {
			continue
		}
		sum.Counts[j.State]++
		sum.Jobs = append(sum.Jobs, statusOf(j))
		if !j.State.Terminal() {
			sum.Done = false
		}
		if j.State != model.JobCompleted || len(j.Result) == 0 {
			continue
		}
		var res executor.SearchResult
		if err := json.Unmarshal(j.Result, &res); err != nil {
			s.log.Warn("search result unreadable", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		sum.Hits = append(sum.Hits, res.Hits...)
	}
	return sum, nil
}
