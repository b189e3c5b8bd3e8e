package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/styxy-dev/styxy/internal/model"
)

func newAlloc(port int, serviceType string) model.Allocation {
	return model.Allocation{
		Port:        port,
		LockID:      NewLockID(),
		ServiceType: serviceType,
		AllocatedAt: time.Now(),
	}
}

func TestReserveAndLookup(t *testing.T) {
	r := New()
	a := newAlloc(3000, "dev")
	if err := r.Reserve(a, false); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	got, ok := r.LookupByPort(3000)
	if !ok || got.LockID != a.LockID {
		t.Fatalf("LookupByPort mismatch: %+v", got)
	}

	got2, ok := r.LookupByLockID(a.LockID)
	if !ok || got2.Port != 3000 {
		t.Fatalf("LookupByLockID mismatch: %+v", got2)
	}
}

func TestReserveConflict(t *testing.T) {
	r := New()
	a := newAlloc(3000, "dev")
	if err := r.Reserve(a, false); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	b := newAlloc(3000, "dev")
	err := r.Reserve(b, false)
	if err == nil {
		t.Fatal("expected conflict on duplicate port")
	}
	if _, ok := err.(*Conflict); !ok {
		t.Fatalf("expected *Conflict, got %T", err)
	}
}

func TestReleaseRemovesBothIndexes(t *testing.T) {
	r := New()
	a := newAlloc(3000, "dev")
	r.Reserve(a, false)

	released, ok := r.Release(a.LockID)
	if !ok || released.Port != 3000 {
		t.Fatalf("Release mismatch: %+v", released)
	}

	if _, ok := r.LookupByPort(3000); ok {
		t.Error("port should be free after release")
	}
	if _, ok := r.LookupByLockID(a.LockID); ok {
		t.Error("lockId should be gone after release")
	}
}

func TestReleaseIdempotence(t *testing.T) {
	r := New()
	a := newAlloc(3000, "dev")
	r.Reserve(a, false)
	r.Release(a.LockID)

	if _, ok := r.Release(a.LockID); ok {
		t.Error("second release of same lockId should report not found")
	}
}

func TestSingletonRefLifecycle(t *testing.T) {
	r := New()
	a := newAlloc(11430, "ai")
	if err := r.Reserve(a, true); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	ref, ok := r.SingletonRef("ai")
	if !ok || ref.Port != 11430 || ref.LockID != a.LockID {
		t.Fatalf("unexpected singleton ref: %+v", ref)
	}

	r.Release(a.LockID)
	if _, ok := r.SingletonRef("ai"); ok {
		t.Error("singleton ref should be gone after releasing its sole allocation")
	}
}

func TestListForServiceTypeSortedByPort(t *testing.T) {
	r := New()
	r.Reserve(newAlloc(3002, "dev"), false)
	r.Reserve(newAlloc(3000, "dev"), false)
	r.Reserve(newAlloc(3001, "dev"), false)
	r.Reserve(newAlloc(8000, "api"), false)

	devs := r.ListForServiceType("dev")
	if len(devs) != 3 {
		t.Fatalf("expected 3 dev allocations, got %d", len(devs))
	}
	for i := 1; i < len(devs); i++ {
		if devs[i-1].Port > devs[i].Port {
			t.Errorf("not sorted by port: %+v", devs)
		}
	}
}

func TestConcurrentReserveSamePortExactlyOneWins(t *testing.T) {
	r := New()
	const n = 50
	var wg sync.WaitGroup
	successes := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := newAlloc(9999, "test")
			if err := r.Reserve(a, false); err == nil {
				successes <- a.LockID
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winning reservation, got %d", count)
	}
	if r.Count() != 1 {
		t.Fatalf("expected exactly one live allocation, got %d", r.Count())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := New()
	a := newAlloc(3000, "dev")
	r.Reserve(a, false)
	s := newAlloc(11430, "ai")
	r.Reserve(s, true)

	allocations, singletons := r.Snapshot()

	r2 := New()
	r2.RestoreFromSnapshot(allocations, singletons)

	if r2.Count() != 2 {
		t.Fatalf("expected 2 allocations restored, got %d", r2.Count())
	}
	if _, ok := r2.SingletonRef("ai"); !ok {
		t.Error("expected singleton ref restored")
	}
	if _, ok := r2.LookupByLockID(a.LockID); !ok {
		t.Error("expected lockId index rebuilt for restored allocation")
	}
}
