package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Relay, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, 50*time.Millisecond), mr
}

// collect reads entries until a terminal one arrives.
func collect(t *testing.T, ch <-chan Entry) []Entry {
	t.Helper()
	var got []Entry
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, e)
			if e.Terminal() {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out after %d entries", len(got))
			return got
		}
	}
}

func TestSubscribersSeeIdenticalSequence(t *testing.T) {
	r, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := r.Subscribe(ctx, "c1", StartID)
	b := r.Subscribe(ctx, "c1", StartID)

	for _, text := range []string{"The ", "answer ", "is 4"} {
		_, err := r.Publish(ctx, "c1", Entry{Kind: KindChunk, Text: text})
		require.NoError(t, err)
	}
	_, err := r.Publish(ctx, "c1", Entry{Kind: KindDone})
	require.NoError(t, err)

	gotA := collect(t, a)
	gotB := collect(t, b)
	require.Len(t, gotA, 4)
	assert.Equal(t, gotA, gotB)
	assert.Equal(t, "The ", gotA[0].Text)
	assert.Equal(t, KindDone, gotA[3].Kind)

	for i := 1; i < len(gotA); i++ {
		assert.NotEqual(t, gotA[i-1].ID, gotA[i].ID)
	}
}

func TestSubscribeFromTailSkipsHistory(t *testing.T) {
	r, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := r.Publish(ctx, "c1", Entry{Kind: KindChunk, Text: "old"})
	require.NoError(t, err)
	_, err = r.Publish(ctx, "c1", Entry{Kind: KindDone})
	require.NoError(t, err)

	tail, err := r.Tail(ctx, "c1")
	require.NoError(t, err)
	require.NotEqual(t, StartID, tail)

	ch := r.Subscribe(ctx, "c1", tail)
	_, err = r.Publish(ctx, "c1", Entry{Kind: KindError, Message: "boom"})
	require.NoError(t, err)

	got := collect(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, KindError, got[0].Kind)
	assert.Equal(t, "boom", got[0].Message)
}

func TestTailOfEmptyLog(t *testing.T) {
	r, _ := setup(t)
	tail, err := r.Tail(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, StartID, tail)
}

func TestResetAndRetain(t *testing.T) {
	r, mr := setup(t)
	ctx := context.Background()

	_, err := r.Publish(ctx, "c1", Entry{Kind: KindChunk, Text: "x"})
	require.NoError(t, err)
	require.NoError(t, r.Reset(ctx, "c1"))
	assert.False(t, mr.Exists(key("c1")))

	_, err = r.Publish(ctx, "c1", Entry{Kind: KindDone})
	require.NoError(t, err)
	require.NoError(t, r.Retain(ctx, "c1", time.Minute))
	assert.True(t, mr.Exists(key("c1")))

	mr.FastForward(61 * time.Second)
	assert.False(t, mr.Exists(key("c1")))
}

func TestCancelClosesSubscription(t *testing.T) {
	r, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Subscribe(ctx, "c1", StartID)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not close")
	}
}
