package keepalive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestProbesImmediatelyOnStart(t *testing.T) {
	t.Parallel()
	probed := make(chan struct{}, 1)
	ka := New(func(context.Context) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return nil
	}, Options{Interval: time.Hour})

	ka.Start(context.Background())
	defer ka.Stop()

	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("no probe fired right after Start")
	}
}

func TestFailuresNeverStopTheLoop(t *testing.T) {
	t.Parallel()
	var reported atomic.Int32
	second := make(chan struct{})
	ka := New(func(context.Context) error {
		return errors.New("refresh endpoint down")
	}, Options{
		Interval: 5 * time.Millisecond,
		OnError: func(err error) {
			if reported.Add(1) == 2 {
				close(second)
			}
		},
	})

	ka.Start(context.Background())
	defer ka.Stop()

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not survive the first failure")
	}
}

func TestStopWaitsForGoroutineExit(t *testing.T) {
	t.Parallel()
	var probes atomic.Int32
	ka := New(func(context.Context) error {
		probes.Add(1)
		return nil
	}, Options{Interval: 5 * time.Millisecond})

	ka.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	ka.Stop()

	after := probes.Load()
	time.Sleep(30 * time.Millisecond)
	if got := probes.Load(); got != after {
		t.Errorf("probes continued after Stop: %d -> %d", after, got)
	}
}

func TestContextCancelStopsTheLoop(t *testing.T) {
	t.Parallel()
	var probes atomic.Int32
	ka := New(func(context.Context) error {
		probes.Add(1)
		return nil
	}, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	ka.Start(ctx)
	cancel()
	ka.Stop()

	after := probes.Load()
	time.Sleep(30 * time.Millisecond)
	if got := probes.Load(); got != after {
		t.Errorf("probes continued after ctx cancel: %d -> %d", after, got)
	}
}

func TestStopIsSafeWithoutStart(t *testing.T) {
	t.Parallel()
	ka := New(func(context.Context) error { return nil }, Options{})
	ka.Stop()
	ka.Stop()
}

func TestStartTwiceKeepsOneLoop(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 4)
	ka := New(func(context.Context) error {
		started <- struct{}{}
		return nil
	}, Options{Interval: time.Hour})

	ctx := context.Background()
	ka.Start(ctx)
	ka.Start(ctx)
	defer ka.Stop()

	<-started
	select {
	case <-started:
		t.Error("second Start launched a second immediate probe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDefaultInterval(t *testing.T) {
	t.Parallel()
	ka := New(func(context.Context) error { return nil }, Options{})
	if ka.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", ka.interval, DefaultInterval)
	}
	ka = New(func(context.Context) error { return nil }, Options{Interval: -1})
	if ka.interval != DefaultInterval {
		t.Errorf("negative interval = %v, want %v", ka.interval, DefaultInterval)
	}
}
