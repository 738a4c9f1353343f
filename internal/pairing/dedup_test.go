package pairing

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDedupSet_Idempotence(t *testing.T) {
	d := NewDedupSet(10)
	d.MarkProcessed("evt-1")
	d.MarkProcessed("evt-1")

	for i := 0; i < 5; i++ {
		if !d.IsProcessed("evt-1") {
			t.Fatal("expected evt-1 to be reported as processed")
		}
	}
	if d.Len() != 1 {
		t.Errorf("expected marking twice to store one id, got %d", d.Len())
	}
	if d.IsProcessed("evt-2") {
		t.Error("unmarked id reported as processed")
	}
}

func TestDedupSet_CheckAndMark(t *testing.T) {
	d := NewDedupSet(10)
	if d.CheckAndMark("a") {
		t.Fatal("first delivery should not be a duplicate")
	}
	if !d.CheckAndMark("a") {
		t.Fatal("second delivery should be a duplicate")
	}
}

func TestDedupSet_EvictionBound(t *testing.T) {
	const maxSize = 500
	d := NewDedupSet(maxSize)
	for i := 0; i < maxSize+1000; i++ {
		d.MarkProcessed(fmt.Sprintf("id-%d", i))
	}

	if d.Len() > maxSize {
		t.Fatalf("expected at most %d ids, got %d", maxSize, d.Len())
	}
	for i := 0; i < 1000; i++ {
		if d.IsProcessed(fmt.Sprintf("id-%d", i)) {
			t.Fatalf("expected early id-%d to be evicted", i)
		}
	}
	for i := 1000; i < maxSize+1000; i++ {
		if !d.IsProcessed(fmt.Sprintf("id-%d", i)) {
			t.Fatalf("expected recent id-%d to be retained", i)
		}
	}
}

func TestDedupSet_InsertionOrderNotAccessOrder(t *testing.T) {
	d := NewDedupSet(2)
	d.MarkProcessed("first")
	d.MarkProcessed("second")
	// Reading or re-marking must not refresh "first".
	d.IsProcessed("first")
	d.MarkProcessed("first")
	d.MarkProcessed("third")

	if d.IsProcessed("first") {
		t.Error("expected oldest-inserted id to be evicted regardless of access")
	}
	if !d.IsProcessed("second") || !d.IsProcessed("third") {
		t.Error("expected newer ids to be retained")
	}
}

func TestDedupSet_DefaultSize(t *testing.T) {
	if NewDedupSet(0).MaxSize() != DefaultDedupMaxSize {
		t.Error("expected non-positive size to select the default")
	}
}

func TestDedupSet_ConcurrentDeliveriesSeeOneWinner(t *testing.T) {
	d := NewDedupSet(100)
	var fresh int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.CheckAndMark("same-id") {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Errorf("expected exactly one delivery to be treated as new, got %d", fresh)
	}
}
