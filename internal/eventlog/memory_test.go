package eventlog

import (
	"context"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, kind := range []string{KindScan, KindDispatch, KindDelivery} {
		id, err := s.Append(ctx, Event{
			Kind:      kind,
			AgentName: "ada",
			TriggerID: int64(i%2 + 1),
			Detail:    Detail(map[string]any{"seq": i}),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if id != int64(i+1) {
			t.Errorf("id = %d, want %d", id, i+1)
		}
	}

	t.Run("recent newest first", func(t *testing.T) {
		events, err := s.Recent(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
		if events[0].Kind != KindDelivery || events[1].Kind != KindDispatch {
			t.Errorf("order = %s, %s", events[0].Kind, events[1].Kind)
		}
		if events[0].Time.IsZero() {
			t.Error("time not stamped on append")
		}
	})

	t.Run("by trigger oldest first", func(t *testing.T) {
		events, err := s.ByTrigger(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d events for trigger 1, want 2", len(events))
		}
		if events[0].ID >= events[1].ID {
			t.Error("not in append order")
		}
	})
}

func TestDetailSwallowsErrors(t *testing.T) {
	if got := string(Detail(make(chan int))); got != "null" {
		t.Errorf("Detail on unmarshalable value = %q, want null", got)
	}
}
