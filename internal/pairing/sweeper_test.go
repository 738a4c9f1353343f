package pairing

import (
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

type fakeScheduler struct {
	exprs []string
	tasks []func()
	err   error
}

func (f *fakeScheduler) AddJob(expr string, task func()) error {
	if f.err != nil {
		return f.err
	}
	f.exprs = append(f.exprs, expr)
	f.tasks = append(f.tasks, task)
	return nil
}

func TestSweeper_RunOnceUsesClock(t *testing.T) {
	store := NewWindowedStore()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.Store("old", models.MessageKindText, Value{Body: "a"}, base.Add(-2*time.Minute).UnixMilli())
	store.Store("new", models.MessageKindText, Value{Body: "b"}, base.Add(-10*time.Second).UnixMilli())

	var observed []int
	sw := NewSweeper(store, time.Minute, 30*time.Second, 0, func(n int) { observed = append(observed, n) })
	sw.now = func() time.Time { return base }

	if n := sw.RunOnce(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 remaining entry, got %d", store.Len())
	}
	if len(observed) != 1 || observed[0] != 1 {
		t.Errorf("expected observer to see one run with 1 eviction, got %v", observed)
	}
}

func TestSweeper_Register(t *testing.T) {
	store := NewWindowedStore()
	sw := NewSweeper(store, 0, 0, 0, nil)
	fs := &fakeScheduler{}
	if err := sw.Register(fs); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(fs.exprs) != 1 || fs.exprs[0] != "@every 30s" {
		t.Fatalf("unexpected schedule %v", fs.exprs)
	}
	store.Store("s", models.MessageKindText, Value{Body: "x"}, 1)
	fs.tasks[0]()
	if store.Len() != 0 {
		t.Error("expected scheduled task to sweep the store")
	}
}

func TestSweeper_RegisterError(t *testing.T) {
	sw := NewSweeper(NewWindowedStore(), time.Minute, time.Second, 0, nil)
	err := sw.Register(&fakeScheduler{err: errors.New("bad expr")})
	if err == nil {
		t.Fatal("expected scheduling error to be returned")
	}
}

func TestSweeper_BackfilledPairSurvivesSweep(t *testing.T) {
	store := NewWindowedStore()
	p := NewPolicy(store)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	sw := NewSweeper(store, time.Minute, 30*time.Second, -1, nil)
	sw.now = func() time.Time { return now }

	eventT := now.Add(-5 * time.Minute).UnixMilli()
	p.Resolve(textMsg("t", "S", "broken lamp", eventT))
	if n := sw.RunOnce(); n != 0 {
		t.Fatalf("expected a late delivery within the grace to survive, %d evicted", n)
	}
	res := p.Resolve(imageMsg("i", "S", "https://img/late.jpg", "", eventT+10_000))
	if res.Confidence != models.ConfidencePairedTextToImage || res.Text != "broken lamp" {
		t.Errorf("expected the backfilled image to pair with its text, got %+v", res)
	}
}

func TestSweeper_EvictsBeyondGrace(t *testing.T) {
	store := NewWindowedStore()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.Store("stale", models.MessageKindText, Value{Body: "a"}, now.Add(-DefaultSweepGrace-2*time.Minute).UnixMilli())
	store.Store("late", models.MessageKindText, Value{Body: "b"}, now.Add(-DefaultSweepGrace+time.Minute).UnixMilli())

	sw := NewSweeper(store, time.Minute, 30*time.Second, -1, nil)
	sw.now = func() time.Time { return now }
	if n := sw.RunOnce(); n != 1 {
		t.Fatalf("expected only the entry older than window plus grace to go, %d evicted", n)
	}
	if _, ok := store.Lookup("late", models.MessageKindText, now.Add(-DefaultSweepGrace+time.Minute).UnixMilli(), time.Minute.Milliseconds()); !ok {
		t.Error("expected the entry within the grace to remain")
	}
}
