package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	jobs, unsubJobs := b.Subscribe(4, JobFailed)
	defer unsubJobs()

	b.Publish(Event{Type: AccountLoggedIn})
	b.Publish(Event{Type: JobFailed, Data: JobEvent{JobID: "j1"}})

	if got := len(all); got != 2 {
		t.Fatalf("expected 2 events on unfiltered subscriber, got %d", got)
	}
	select {
	case e := <-jobs:
		if e.Type != JobFailed || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
		if je, ok := e.Data.(JobEvent); !ok || je.JobID != "j1" {
			t.Fatalf("unexpected data %+v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected job.failed event")
	}
	if len(jobs) != 0 {
		t.Fatalf("expected filtered subscriber to skip account events")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: JobStarted})
	}
	if Dropped(b) != 9 {
		t.Fatalf("expected 9 dropped, got %d", Dropped(b))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: JobStarted})
}
