package resilience

import (
	"context"
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 2})
	if !l.Allow() || !l.Allow() {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if l.Allow() {
		t.Fatal("expected third call to be limited")
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimiterOpts{})
	for i := 0; i < 100; i++ {
		if !l.Allow() {
			t.Fatalf("call %d limited with Rate=0", i)
		}
	}
}

func TestLimiterCallWait(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 1000, Burst: 1})
	called := 0
	for range 2 {
		if err := l.CallWait(context.Background(), func(context.Context) error { called++; return nil }); err != nil {
			t.Fatal(err)
		}
	}
	if called != 2 {
		t.Errorf("called = %d", called)
	}
}

func TestLimiterWait(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 100, Burst: 1})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("waits took too long: %v", time.Since(start))
	}
}

func TestLimiterWaitCancelled(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	l.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.CallWait(ctx, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error from cancelled wait")
	}
}
