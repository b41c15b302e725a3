package redisstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestStore connects to the server named by FIELDNET_TEST_REDIS and
// isolates the test under a unique key prefix.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("FIELDNET_TEST_REDIS")
	if addr == "" {
		t.Skip("FIELDNET_TEST_REDIS not set")
	}
	s, err := Connect(context.Background(), Options{
		Addr:     addr,
		Prefix:   "fieldnet-test-" + uuid.NewString(),
		CapTTL:   time.Minute,
		LockTTL:  5 * time.Second,
		LockPoll: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.defaults()
	if o.Prefix != "fieldnet" || o.CapTTL != 48*time.Hour || o.LockTTL != 30*time.Second || o.LockPoll != 25*time.Millisecond {
		t.Errorf("defaults = %+v", o)
	}
}

func TestReserveBinary_Cap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	steps := []struct {
		amount, want int64
	}{
		{30000, 30000},
		{30000, 20000},
		{1, 0},
	}
	for i, st := range steps {
		got, err := s.ReserveBinary(ctx, fmt.Sprintf("s%d:binary:root", i), "root", "2026-03-01", st.amount, 50000)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != st.want {
			t.Errorf("step %d: granted %d, want %d", i, got, st.want)
		}
	}
	if got, _ := s.ReserveBinary(ctx, "s9:binary:root", "root", "2026-03-02", 500, 50000); got != 500 {
		t.Errorf("next day granted %d, want 500", got)
	}
}

func TestReserveBinary_SameKeyGrantedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.ReserveBinary(ctx, "s1:binary:root", "root", "2026-03-01", 30000, 50000)
	if err != nil || first != 30000 {
		t.Fatalf("first = %d, %v", first, err)
	}
	again, err := s.ReserveBinary(ctx, "s1:binary:root", "root", "2026-03-01", 30000, 50000)
	if err != nil || again != 30000 {
		t.Fatalf("repeat = %d, %v; want the first grant", again, err)
	}
	if got, _ := s.ReserveBinary(ctx, "s2:binary:root", "root", "2026-03-01", 30000, 50000); got != 20000 {
		t.Errorf("next sale granted %d, want 20000 left under the cap", got)
	}
}

func TestReserveBinary_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.ReserveBinary(ctx, fmt.Sprintf("s%d:binary:root", i), "root", "2026-03-01", 1000, 50000)
			if err != nil {
				t.Errorf("ReserveBinary() error: %v", err)
				return
			}
			total.Add(got)
		}(i)
	}
	wg.Wait()
	if total.Load() != 50000 {
		t.Errorf("total granted = %d, want 50000", total.Load())
	}
}

func TestLock_MutualExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := s.Lock(ctx, "claims")
			if err != nil {
				t.Errorf("Lock() error: %v", err)
				return
			}
			if holders.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			holders.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if overlap.Load() {
		t.Error("two holders inside the critical section")
	}
}

func TestLock_ContextCancelled(t *testing.T) {
	s := newTestStore(t)
	unlock, err := s.Lock(context.Background(), "claims")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(ctx, "claims"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock() error = %v, want DeadlineExceeded", err)
	}
}
