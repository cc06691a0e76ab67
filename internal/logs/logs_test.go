package logs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/narvanalabs/buildfarm/internal/store/memory"
)

func TestJobLoggerSplitsLinesAndPersists(t *testing.T) {
	st := memory.New()
	broker := NewBroker(nil)
	sub := broker.Subscribe("job-1")
	other := broker.Subscribe("job-2")

	var mu sync.Mutex
	var touched []time.Time
	l := NewJobLogger("job-1", st.Logs(), broker, func(at time.Time) {
		mu.Lock()
		touched = append(touched, at)
		mu.Unlock()
	}, nil)

	fmt.Fprint(l, "first line\nsecond ")
	fmt.Fprint(l, "line\r\nunterminated")
	if got := l.Tail(10); len(got) != 2 || got[1] != "second line" {
		t.Fatalf("Tail() = %q", got)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, err := st.Logs().List(context.Background(), "job-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"first line", "second line", "unterminated"}
	if len(entries) != len(want) {
		t.Fatalf("persisted %d lines, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Line != want[i] || e.Timestamp.IsZero() || e.ID == "" {
			t.Errorf("entry %d = %+v", i, e)
		}
	}

	if len(sub.Ch) != 3 {
		t.Errorf("subscriber received %d entries, want 3", len(sub.Ch))
	}
	if len(other.Ch) != 0 {
		t.Errorf("unrelated subscriber received %d entries", len(other.Ch))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(touched) == 0 || !touched[len(touched)-1].Equal(l.LastOutput()) {
		t.Errorf("touch = %v, last output %v", touched, l.LastOutput())
	}

	if _, err := l.Write([]byte("late\n")); err == nil {
		t.Error("Write after Close should fail")
	}
}

func TestJobLoggerFlushesFullBatches(t *testing.T) {
	st := memory.New()
	l := NewJobLogger("job-3", st.Logs(), nil, nil, nil)
	defer l.Close()

	for i := 0; i < DefaultMaxBatch; i++ {
		l.Printf("line %d", i)
	}
	entries, _ := st.Logs().List(context.Background(), "job-3", 0)
	if len(entries) != DefaultMaxBatch {
		t.Errorf("persisted %d lines before the periodic flush, want %d", len(entries), DefaultMaxBatch)
	}
}

func TestJobLoggerTailIsBounded(t *testing.T) {
	l := NewJobLogger("job-4", nil, nil, nil, nil)
	defer l.Close()

	for i := 0; i < tailLines+50; i++ {
		l.Printf("line %d", i)
	}
	tail := l.Tail(0)
	if len(tail) != tailLines || tail[0] != "line 50" {
		t.Errorf("Tail() has %d lines starting at %q", len(tail), tail[0])
	}
	if got := l.Tail(3); got[2] != fmt.Sprintf("line %d", tailLines+49) {
		t.Errorf("Tail(3) = %q", got)
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatal("subscriber not registered")
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch; ok {
		t.Error("channel should be closed")
	}
	if b.SubscriberCount() != 0 {
		t.Error("subscriber not removed")
	}
}
