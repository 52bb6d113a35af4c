package session

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/Iron-Ham/childproc/internal/testutil"
)

func TestLoop_RunsPostedTasks(t *testing.T) {
	l := NewLoop(3, nil)

	var n atomic.Int32
	for range 100 {
		l.Post(func() { n.Inc() })
	}
	l.Close()

	if got := n.Load(); got != 100 {
		t.Errorf("ran %d tasks, want 100", got)
	}
}

func TestLoop_PanicDoesNotStopWorker(t *testing.T) {
	l := NewLoop(1, nil)
	defer l.Close()

	ran := make(chan struct{})
	l.Post(func() { panic("boom") })
	l.Post(func() { close(ran) })

	testutil.Recv(t, ran, testutil.DefaultTimeout)
}

func TestLoop_AfterFunc(t *testing.T) {
	l := NewLoop(1, nil)
	defer l.Close()

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.AfterFunc(30*time.Millisecond, func() { fired <- time.Now() })

	at := testutil.Recv(t, fired, testutil.DefaultTimeout)
	if at.Sub(start) < 30*time.Millisecond {
		t.Errorf("fired after %v, want at least 30ms", at.Sub(start))
	}

	stopped := l.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") })
	if !stopped.Stop() {
		t.Error("Stop() = false for a pending timer")
	}
}

func TestLoop_PostAfterCloseIsDropped(t *testing.T) {
	l := NewLoop(1, nil)
	l.Close()
	l.Post(func() { t.Error("task ran after Close") })
}

func TestStrand_SerializesInOrder(t *testing.T) {
	l := NewLoop(4, nil)
	s := newStrand(l, nil)

	var (
		mu     sync.Mutex
		order  []int
		active atomic.Int32
		done   = make(chan struct{})
	)
	const n = 200
	for i := range n {
		s.Post(func() {
			if active.Inc() > 1 {
				t.Error("strand tasks overlapped")
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			active.Dec()
			if i == n-1 {
				close(done)
			}
		})
	}

	testutil.Recv(t, done, testutil.DefaultTimeout)
	l.Close()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}
