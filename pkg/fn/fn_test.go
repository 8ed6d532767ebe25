package fn

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

// --- Result ---

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("wrong unwrap")
	}

	e := Err[int](errors.New("fail"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err should be err")
	}
}

func TestFromPair(t *testing.T) {
	n, err := strconv.Atoi("21")
	if v, err := FromPair(n, err).Unwrap(); err != nil || v != 21 {
		t.Fatalf("got %d, %v", v, err)
	}
	n, err = strconv.Atoi("x")
	if FromPair(n, err).IsOk() {
		t.Fatal("expected error to propagate")
	}
}

// --- Pipeline ---

func TestThenShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	called := false
	first := Stage[int, int](func(_ context.Context, _ int) Result[int] { return Err[int](boom) })
	second := Stage[int, string](func(_ context.Context, v int) Result[string] {
		called = true
		return Ok(strconv.Itoa(v))
	})
	_, err := Then(first, second)(context.Background(), 1).Unwrap()
	if !errors.Is(err, boom) || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}

func TestThenStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := Stage[int, int](func(_ context.Context, v int) Result[int] {
		cancel()
		return Ok(v)
	})
	second := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v + 1) })
	_, err := Then(first, second)(ctx, 1).Unwrap()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTracedStage(t *testing.T) {
	double := TracedStage("double", nil, Stage[int, int](func(_ context.Context, v int) Result[int] {
		return Ok(v * 2)
	}))
	if v, err := double(context.Background(), 5).Unwrap(); err != nil || v != 10 {
		t.Fatalf("v=%d err=%v", v, err)
	}

	failing := TracedStage("fail", nil, Stage[int, int](func(context.Context, int) Result[int] {
		return Err[int](errors.New("nope"))
	}))
	if failing(context.Background(), 1).IsOk() {
		t.Fatal("expected failure")
	}
}

// --- Retry ---

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}, func(context.Context) Result[string] {
		attempts++
		if attempts < 3 {
			return Err[string](errors.New("flaky"))
		}
		return Ok("done")
	})
	if v, err := r.Unwrap(); err != nil || v != "done" || attempts != 3 {
		t.Fatalf("v=%q err=%v attempts=%d", v, err, attempts)
	}
}

func TestRetryIfStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		attempts++
		return Err[int](permanent)
	})
	if r.IsOk() || attempts != 1 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 3, InitialWait: time.Hour}, func(context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- Slices ---

func TestSliceHelpers(t *testing.T) {
	nums := []int{1, 2, 3, 4, 2, 1}
	strs := Map(nums, strconv.Itoa)
	if strs[3] != "4" {
		t.Errorf("Map = %v", strs)
	}
	even := Filter(nums, func(n int) bool { return n%2 == 0 })
	if len(even) != 3 {
		t.Errorf("Filter = %v", even)
	}
	if none := Filter(nums, func(int) bool { return false }); none == nil {
		t.Error("Filter should return a non-nil slice")
	}
	uniq := UniqueBy(nums, func(n int) int { return n })
	if len(uniq) != 4 || uniq[3] != 4 {
		t.Errorf("UniqueBy = %v", uniq)
	}
	if got := Take(nums, 2); len(got) != 2 {
		t.Errorf("Take = %v", got)
	}
	if got := Take(nums, 10); len(got) != 6 {
		t.Errorf("Take oversize = %v", got)
	}
}
