package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCoalesces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan ChangeEvent, 10)
	d := NewDebouncer(in, 50*time.Millisecond, time.Second)
	d.Start(ctx)

	in <- ChangeEvent{Paths: []string{"a.toml"}}
	in <- ChangeEvent{Paths: []string{"a.toml"}}
	in <- ChangeEvent{Paths: []string{"b.toml"}}

	select {
	case event := <-d.Output():
		if len(event.Paths) != 2 || event.Paths[0] != "a.toml" || event.Paths[1] != "b.toml" {
			t.Errorf("Expected [a.toml b.toml], got %v", event.Paths)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for debounced event")
	}

	select {
	case event := <-d.Output():
		t.Errorf("Unexpected second event %v", event.Paths)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebouncerMaxWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan ChangeEvent)
	d := NewDebouncer(in, 80*time.Millisecond, 150*time.Millisecond)
	d.Start(ctx)

	// keep the quiet period from expiring
	go func() {
		for i := 0; i < 8; i++ {
			select {
			case in <- ChangeEvent{Paths: []string{"c.toml"}}:
			case <-ctx.Done():
				return
			}
			time.Sleep(40 * time.Millisecond)
		}
	}()

	start := time.Now()
	select {
	case <-d.Output():
		if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
			t.Errorf("Expected flush near max wait, took %v", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for max-wait flush")
	}
}

func TestDebouncerClosesOutput(t *testing.T) {
	in := make(chan ChangeEvent, 1)
	d := NewDebouncer(in, time.Hour, time.Hour)
	d.Start(context.Background())

	in <- ChangeEvent{Paths: []string{"d.toml"}}
	close(in)

	event, ok := <-d.Output()
	if !ok || len(event.Paths) != 1 {
		t.Fatalf("Expected pending event flushed on close, got %v %v", event, ok)
	}
	if _, ok := <-d.Output(); ok {
		t.Error("Expected output to be closed")
	}
}

func TestReloadKeepsGoingAfterError(t *testing.T) {
	events := make(chan ChangeEvent, 2)
	events <- ChangeEvent{Paths: []string{"x"}}
	events <- ChangeEvent{Paths: []string{"y"}}
	close(events)

	var calls int
	Reload(context.Background(), events, func(paths []string) error {
		calls++
		if paths[0] == "x" {
			return errors.New("broken file")
		}
		return nil
	})
	if calls != 2 {
		t.Errorf("Expected 2 reload calls, got %d", calls)
	}
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "provgraph.toml")
	if err := os.WriteFile(path, []byte("[log]\nlevel = \"info\"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	// unrelated files in the same directory are ignored
	other := filepath.Join(dir, "other.txt")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads, foreign atomic.Int32
	done := make(chan struct{}, 1)
	err := Watch(ctx, path, func(paths []string) error {
		for _, p := range paths {
			if filepath.Base(p) != "provgraph.toml" {
				foreign.Add(1)
			}
		}
		reloads.Add(1)
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	if err := os.WriteFile(other, []byte("noise"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for reload")
	}
	if reloads.Load() < 1 {
		t.Errorf("Expected at least one reload, got %d", reloads.Load())
	}
	if foreign.Load() != 0 {
		t.Errorf("Expected only the watched file, got %d other paths", foreign.Load())
	}
}
