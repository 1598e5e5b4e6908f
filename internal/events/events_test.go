package events

import (
	"testing"

	"github.com/modfin/sendq"
)

func TestHubFiltersByKind(t *testing.T) {
	h := New()
	failed, cancelFailed := h.Listen(4, sendq.EventFailed)
	defer cancelFailed()
	all, cancelAll := h.Listen(4)
	defer cancelAll()

	h.Publish(sendq.Event{Kind: sendq.EventCompleted, JobID: "a"})
	h.Publish(sendq.Event{Kind: sendq.EventFailed, JobID: "b"})

	e := <-failed
	if e.JobID != "b" {
		t.Fatalf("expected failed event for b, got %+v", e)
	}
	if e.CreatedAt.IsZero() {
		t.Fatalf("expected created at to be set")
	}
	if (<-all).JobID != "a" || (<-all).JobID != "b" {
		t.Fatalf("expected both events in order on unfiltered listener")
	}
}

func TestHubNeverBlocks(t *testing.T) {
	h := New()
	_, cancel := h.Listen(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		h.Publish(sendq.Event{Kind: sendq.EventWorkerError})
	}
	if h.Dropped() != 9 {
		t.Fatalf("expected 9 dropped events, got %d", h.Dropped())
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := New()
	c, cancel := h.Listen(1)
	cancel()
	cancel()
	if _, ok := <-c; ok {
		t.Fatalf("expected closed channel")
	}
	h.Publish(sendq.Event{Kind: sendq.EventCompleted})

	var nilHub *Hub
	nilHub.Publish(sendq.Event{Kind: sendq.EventCompleted})
}
