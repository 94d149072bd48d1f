package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRegistryAddAndPublish(t *testing.T) {
	r := NewRegistry()

	a := r.Add("a.bin", 100, "not_started")
	b := r.Add("a.bin", 50, "not_started")

	if a.ID == b.ID {
		t.Fatal("expected distinct IDs for downloads with the same name")
	}
	if a.Progress != 0 {
		t.Errorf("expected new record at progress 0, got %f", a.Progress)
	}

	a.Progress = 0.5
	a.Bytes = 50
	r.Publish(a)

	got, ok := r.Get(a.ID)
	if !ok {
		t.Fatal("expected record to exist")
	}
	if got.Progress != 0.5 || got.Bytes != 50 {
		t.Errorf("unexpected record: %+v", got)
	}

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 records, got %d", len(snap))
	}
	if snap[0].ID != a.ID || snap[1].ID != b.ID {
		t.Error("expected snapshot in registration order")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	a := r.Add("a", 1, "")
	r.Add("b", 1, "")

	r.Remove(a.ID)
	r.Remove(uuid.New())

	if _, ok := r.Get(a.ID); ok {
		t.Error("expected record to be removed")
	}
	if n := len(r.Snapshot()); n != 1 {
		t.Errorf("expected 1 record, got %d", n)
	}

	a.Bytes = 1
	r.Publish(a)
	if _, ok := r.Get(a.ID); ok {
		t.Error("publish must not bring back a removed record")
	}
}

func TestRegistryPublishUnknown(t *testing.T) {
	r := NewRegistry()
	updates, cancel := r.Subscribe(4)
	defer cancel()

	r.Publish(Info{ID: uuid.New(), Name: "stray"})

	if n := len(r.Snapshot()); n != 0 {
		t.Errorf("expected no records, got %d", n)
	}
	select {
	case got := <-updates:
		t.Errorf("unexpected update %+v", got)
	default:
	}
}

func TestRegistrySubscribe(t *testing.T) {
	r := NewRegistry()
	updates, cancel := r.Subscribe(4)

	info := r.Add("file", 10, "in_progress")
	info.Progress = 1
	info.Done = true
	r.Publish(info)

	select {
	case got := <-updates:
		if got.ID != info.ID || got.Progress != 0 {
			t.Errorf("unexpected first update: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}

	select {
	case got := <-updates:
		if !got.Done || got.Progress != 1 {
			t.Errorf("unexpected second update: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}

	cancel()
	cancel()
	if _, ok := <-updates; ok {
		t.Error("expected channel to be closed after cancel")
	}

	// Publishing after cancel must not panic.
	r.Publish(info)
}

func TestRegistryPublishNeverBlocks(t *testing.T) {
	r := NewRegistry()
	_, cancel := r.Subscribe(1)
	defer cancel()

	info := r.Add("slow", 1000, "in_progress")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			info.Bytes = int64(i)
			r.Publish(info)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
