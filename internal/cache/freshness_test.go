package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agora/api/internal/apperr"
	"github.com/stretchr/testify/require"
)

func counter(calls *atomic.Int32) func(context.Context) (int, error) {
	return func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}
}

func TestFetchCachesWithinTTL(t *testing.T) {
	c := NewFreshness(16, time.Minute, 0)
	var calls atomic.Int32

	first, err := Fetch(context.Background(), c, ItemTally("s1"), counter(&calls))
	require.NoError(t, err)
	second, err := Fetch(context.Background(), c, ItemTally("s1"), counter(&calls))
	require.NoError(t, err)

	require.Equal(t, 1, first)
	require.Equal(t, 1, second)
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchRecomputesAfterTTL(t *testing.T) {
	c := NewFreshness(16, 20*time.Millisecond, 0)
	var calls atomic.Int32

	_, err := Fetch(context.Background(), c, ItemsList, counter(&calls))
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	value, err := Fetch(context.Background(), c, ItemsList, counter(&calls))
	require.NoError(t, err)
	require.Equal(t, 2, value)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	c := NewFreshness(16, time.Minute, 0)
	var calls atomic.Int32

	_, err := Fetch(context.Background(), c, ItemTally("s1"), counter(&calls))
	require.NoError(t, err)
	c.Invalidate(ItemTally("s1"), ItemsList)

	value, err := Fetch(context.Background(), c, ItemTally("s1"), counter(&calls))
	require.NoError(t, err)
	require.Equal(t, 2, value)
}

func TestComputeStartedBeforeInvalidateIsNotStored(t *testing.T) {
	c := NewFreshness(16, time.Minute, 0)
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan int)
	go func() {
		value, _ := Fetch(context.Background(), c, ItemTally("s1"), func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		done <- value
	}()

	<-started
	c.Invalidate(ItemTally("s1"))
	close(release)
	require.Equal(t, 1, <-done)

	value, err := Fetch(context.Background(), c, ItemTally("s1"), func(context.Context) (int, error) {
		return 2, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, value, "stale pre-invalidation value must not be served")
}

func TestConcurrentMissesShareCompute(t *testing.T) {
	c := NewFreshness(16, time.Minute, 0)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Fetch(context.Background(), c, PostsList, func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 7, nil
			})
			if err != nil {
				t.Errorf("Fetch() error = %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, calls.Load(), int32(10))
	require.GreaterOrEqual(t, calls.Load(), int32(1))
	value, err := Fetch(context.Background(), c, PostsList, counter(&calls))
	require.NoError(t, err)
	require.Equal(t, 7, value)
}

func TestFetchErrorIsNotCached(t *testing.T) {
	c := NewFreshness(16, time.Minute, 0)
	boom := errors.New("store down")

	_, err := Fetch(context.Background(), c, Profile("u1"), func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	value, err := Fetch(context.Background(), c, Profile("u1"), func(context.Context) (string, error) {
		return "avery", nil
	})
	require.NoError(t, err)
	require.Equal(t, "avery", value)
}

func TestFetchHonorsCallerContext(t *testing.T) {
	c := NewFreshness(16, time.Minute, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)

	_, err := Fetch(ctx, c, ProfilesList, func(context.Context) (int, error) {
		<-release
		return 0, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestSharedComputeOutlivesCancelledCaller(t *testing.T) {
	c := NewFreshness(16, time.Minute, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (int, error) {
		close(started)
		select {
		case <-release:
			return 5, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := Fetch(firstCtx, c, ItemTally("s1"), compute)
		firstErr <- err
	}()
	<-started

	second := make(chan int, 1)
	secondErr := make(chan error, 1)
	go func() {
		value, err := Fetch(context.Background(), c, ItemTally("s1"), func(context.Context) (int, error) {
			return 0, errors.New("joined flight must not run its own compute")
		})
		second <- value
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.Equal(t, apperr.KindUnavailable, apperr.KindOf(<-firstErr))

	close(release)
	require.NoError(t, <-secondErr)
	require.Equal(t, 5, <-second)
}

func TestSharedComputeIsBounded(t *testing.T) {
	c := NewFreshness(16, time.Minute, 20*time.Millisecond)

	_, err := Fetch(context.Background(), c, PostsList, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestFetchTypeMismatch(t *testing.T) {
	c := NewFreshness(16, time.Minute, 0)
	_, err := Fetch(context.Background(), c, ItemsList, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	_, err = Fetch(context.Background(), c, ItemsList, func(context.Context) (string, error) { return "x", nil })
	require.Error(t, err)
}

func TestFamily(t *testing.T) {
	require.Equal(t, "item:tally", family(ItemTally("abc")))
	require.Equal(t, "post:reactions", family(PostReactions("p1")))
	require.Equal(t, "items:list", family(ItemsList))
	require.Equal(t, "profile", family(Profile("u1")))
}
