package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	tasks, unsubTasks := b.Subscribe(4, "task.")
	defer unsubTasks()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "task.failed"})
	b.Publish(Event{Type: "campaign.stalled"})

	if got := len(tasks); got != 1 {
		t.Fatalf("task subscriber got %d events, want 1", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}
	if e := <-tasks; e.Type != "task.failed" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if len(ch) != 1 {
		t.Fatalf("buffer len = %d", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
	for range ch {
	}
}
