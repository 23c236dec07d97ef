package call

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSerialQueueOrder(t *testing.T) {
	q := newSerialQueue(16)
	defer q.close()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		q.async(func() { got = append(got, i) })
	}
	if !q.sync(func() {}) {
		t.Fatal("sync on open queue returned false")
	}

	if len(got) != 10 {
		t.Fatalf("ran %d tasks, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order %v", got)
		}
	}
}

func TestSerialQueueSyncWaits(t *testing.T) {
	q := newSerialQueue(16)
	defer q.close()

	var n atomic.Int32
	q.async(func() {
		time.Sleep(10 * time.Millisecond)
		n.Store(1)
	})
	q.sync(func() { n.Add(1) })
	if n.Load() != 2 {
		t.Fatalf("n = %d, want 2", n.Load())
	}
}

func TestSerialQueueCloseDrains(t *testing.T) {
	q := newSerialQueue(16)

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		q.async(func() { n.Add(1) })
	}
	q.close()
	if n.Load() != 5 {
		t.Fatalf("drained %d tasks, want 5", n.Load())
	}

	// Post-close submissions are dropped, not panics.
	q.async(func() { n.Add(1) })
	if q.sync(func() { n.Add(1) }) {
		t.Fatal("sync on closed queue returned true")
	}
	if n.Load() != 5 {
		t.Fatalf("task ran after close, n = %d", n.Load())
	}
	q.close() // idempotent
}
