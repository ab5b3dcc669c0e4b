package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{Timezone: s.loc.String()}
	if s.c != nil {
		for _, d := range s.maint {
			e := s.c.Entry(d.entryID)
			out.Maintenance = append(out.Maintenance, ScheduleInfo{Name: d.name, Spec: d.spec, Next: e.Next, Prev: e.Prev})
		}
	}
	s.mu.Unlock()

	s.tmu.Lock()
	out.Armed = len(s.timers)
	out.Queued = len(s.queued)
	out.Running = len(s.running)
	s.tmu.Unlock()

	if s.engine != nil {
		out.Engine = s.engine.Snapshot()
	}
	return out
}
