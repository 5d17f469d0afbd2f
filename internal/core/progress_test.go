package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

func TestProgress_PublishReplacesLatest(t *testing.T) {
	p := NewProgress("job", 10, 5)
	obs := p.Subscribe()

	p.Publish(Snapshot{Phase: PhaseGenerating, Processed: 1, Total: 10})
	p.Publish(Snapshot{Phase: PhaseSending, Processed: 3, Total: 10})

	u := obs.Poll()
	if u.Snapshot.Processed != 3 {
		t.Errorf("Processed = %d, want 3", u.Snapshot.Processed)
	}
	if u.Snapshot.Percent != 30 {
		t.Errorf("Percent = %d, want 30", u.Snapshot.Percent)
	}
	if u.Snapshot.JobID != "job" {
		t.Errorf("JobID = %q, want %q", u.Snapshot.JobID, "job")
	}
	if u.Terminal {
		t.Error("update should not be terminal")
	}
}

func TestProgress_ObserversKeepOwnOffsets(t *testing.T) {
	p := NewProgress("job", 1, 10)
	a := p.Subscribe()

	p.Logf("one")
	p.Logf("two")

	b := p.Subscribe()
	if got := len(a.Poll().Lines); got != 2 {
		t.Errorf("observer a lines = %d, want 2", got)
	}

	p.Logf("three")

	if got := len(a.Poll().Lines); got != 1 {
		t.Errorf("observer a second poll lines = %d, want 1", got)
	}
	if got := len(b.Poll().Lines); got != 3 {
		t.Errorf("observer b lines = %d, want 3", got)
	}
}

func TestProgress_RingDropsOldLines(t *testing.T) {
	p := NewProgress("job", 1, 3)
	obs := p.Subscribe()

	for i := 0; i < 5; i++ {
		p.Logf("line %d", i)
	}

	u := obs.Poll()
	if u.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", u.Dropped)
	}
	if len(u.Lines) != 3 {
		t.Fatalf("Lines = %d, want 3", len(u.Lines))
	}
	if got := u.Lines[0]; got[len(got)-6:] != "line 2" {
		t.Errorf("first retained line = %q, want suffix %q", got, "line 2")
	}
}

func TestProgress_TerminalNeverDropped(t *testing.T) {
	p := NewProgress("job", 2, 2)
	obs := p.Subscribe()

	p.Publish(Snapshot{Phase: PhaseGenerating, Processed: 1, Total: 2})
	p.Finish(Snapshot{Phase: PhaseComplete, Processed: 2, Total: 2})

	// Late updates are ignored
	p.Publish(Snapshot{Phase: PhaseSending, Processed: 1, Total: 2})
	p.Logf("ignored")

	u, err := obs.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !u.Terminal || u.Snapshot.Phase != PhaseComplete {
		t.Errorf("got %+v, want terminal complete snapshot", u.Snapshot)
	}

	if _, err := obs.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next after terminal = %v, want io.EOF", err)
	}
}

func TestProgress_NextBlocksUntilPublish(t *testing.T) {
	p := NewProgress("job", 1, 10)
	obs := p.Subscribe()
	obs.Poll()

	got := make(chan Update, 1)
	go func() {
		u, err := obs.Next(context.Background())
		if err == nil {
			got <- u
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before anything was published")
	case <-time.After(30 * time.Millisecond):
	}

	p.Publish(Snapshot{Phase: PhaseSending, Total: 1})

	select {
	case u := <-got:
		if u.Snapshot.Phase != PhaseSending {
			t.Errorf("Phase = %q, want %q", u.Snapshot.Phase, PhaseSending)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestProgress_NextHonorsContext(t *testing.T) {
	p := NewProgress("job", 1, 10)
	obs := p.Subscribe()
	obs.Poll()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := obs.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next = %v, want DeadlineExceeded", err)
	}
}

func TestProgress_WriterNeverBlocksOnSlowObservers(t *testing.T) {
	p := NewProgress("job", 1000, 50)

	// Observers that never read
	for i := 0; i < 10; i++ {
		p.Subscribe()
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			p.Logf("row %d", i)
			p.Publish(Snapshot{Processed: i, Total: 1000})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked")
	}
}

func TestProgress_ConcurrentObservers(t *testing.T) {
	p := NewProgress("job", 100, 500)

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		obs := p.Subscribe()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			last := -1
			for {
				u, err := obs.Next(context.Background())
				if err != nil {
					return
				}
				if u.Snapshot.Processed < last {
					panic(fmt.Sprintf("processed went backwards: %d < %d", u.Snapshot.Processed, last))
				}
				last = u.Snapshot.Processed
				results[i] = last
			}
		}(i)
	}

	for i := 1; i < 100; i++ {
		p.Publish(Snapshot{Processed: i, Total: 100})
	}
	p.Finish(Snapshot{Phase: PhaseComplete, Processed: 100, Total: 100})
	wg.Wait()

	for i, got := range results {
		if got != 100 {
			t.Errorf("observer %d final processed = %d, want 100", i, got)
		}
	}
}
