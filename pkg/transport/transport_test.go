package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{Kind: KindDelta, Room: "r1", From: "replica-a", Payload: []byte{0xa0}}

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	data, err := Encode(Envelope{Kind: "bogus", Room: "r1"})
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorContains(t, err, "unknown kind")
}

func TestStatusFeedKeepsLatest(t *testing.T) {
	f := NewStatusFeed()
	f.Publish(StatusConnecting)
	f.Publish(StatusConnected)
	f.Publish(StatusConnected)

	assert.Equal(t, StatusConnected, <-f.C())
	select {
	case s := <-f.C():
		t.Fatalf("unexpected status %v", s)
	default:
	}
	assert.Equal(t, StatusConnected, f.Current())

	f.Close()
	f.Close()
	f.Publish(StatusDisconnected)
	_, open := <-f.C()
	assert.False(t, open)
}

func TestLinearBackoffRetryer(t *testing.T) {
	r := NewLinearBackoffRetryer(500*time.Millisecond, 3)

	for i, want := range []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond} {
		delay, ok := r.NextDelay(i, nil)
		require.True(t, ok, "attempt %d should retry", i)
		assert.Equal(t, want, delay)
	}

	delay, ok := r.NextDelay(3, nil)
	assert.False(t, ok)
	assert.Zero(t, delay)
}

func TestExponentialBackoffRetryer(t *testing.T) {
	t.Run("default configuration", func(t *testing.T) {
		r := NewExponentialBackoffRetryer()

		delay, ok := r.NextDelay(0, nil)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, delay, 700*time.Millisecond)
		assert.LessOrEqual(t, delay, 1300*time.Millisecond)

		delay, ok = r.NextDelay(1, nil)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, delay, 1400*time.Millisecond)
		assert.LessOrEqual(t, delay, 2600*time.Millisecond)
	})

	t.Run("without jitter caps at max delay", func(t *testing.T) {
		r := &ExponentialBackoffRetryer{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		}

		for i, want := range []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			time.Second,
			time.Second,
		} {
			delay, ok := r.NextDelay(i, nil)
			assert.True(t, ok)
			assert.Equal(t, want, delay, "attempt %d", i)
		}
	})

	t.Run("with max retries", func(t *testing.T) {
		r := &ExponentialBackoffRetryer{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			MaxRetries:   3,
		}
		for i := 0; i < 3; i++ {
			_, ok := r.NextDelay(i, nil)
			assert.True(t, ok, "attempt %d should retry", i)
		}
		_, ok := r.NextDelay(3, nil)
		assert.False(t, ok)
	})
}

func TestFixedDelayRetryer(t *testing.T) {
	r := NewFixedDelayRetryer(100*time.Millisecond, 2)

	for i := 0; i < 2; i++ {
		delay, ok := r.NextDelay(i, nil)
		assert.True(t, ok)
		assert.Equal(t, 100*time.Millisecond, delay)
	}
	_, ok := r.NextDelay(2, nil)
	assert.False(t, ok)
}
