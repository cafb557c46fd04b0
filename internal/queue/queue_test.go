package queue

import (
	"context"
	"testing"
	"time"
)

func TestTriggerRoundTrip(t *testing.T) {
	trig := ReconcileTrigger{UnitID: "unit-42", Year: 2026, Semester: 2}
	got, err := DecodeTrigger(trig.Encode())
	if err != nil {
		t.Fatalf("DecodeTrigger() error: %v", err)
	}
	if got != trig {
		t.Errorf("round trip = %+v, want %+v", got, trig)
	}
}

func TestDecodeTriggerMalformed(t *testing.T) {
	for _, body := range []string{"", "unit-only", "unit|notayear|1", "unit|2026|"} {
		if _, err := DecodeTrigger([]byte(body)); err == nil {
			t.Errorf("DecodeTrigger(%q) accepted malformed body", body)
		}
	}
}

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := NewInMemory(4)
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := Message{Type: "reconcile", Body: ReconcileTrigger{UnitID: "u1", Year: 2026, Semester: 1}.Encode()}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-msgs:
		if got.Type != want.Type || string(got.Body) != string(want.Body) {
			t.Errorf("consumed %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("message never delivered")
	}
}
