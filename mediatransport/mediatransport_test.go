package mediatransport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireMemoryReturnsSharedHandle(t *testing.T) {
	pool := NewPool()

	h1, release1, err := pool.AcquireMemory("mem://x", "base")
	require.NoError(t, err)
	h2, release2, err := pool.AcquireMemory("mem://x", "base")
	require.NoError(t, err)
	require.Same(t, h1, h2)

	release1()
	release2()
}

func TestMemoryTrackPublishSubscribeDelivers(t *testing.T) {
	pool := NewPool()
	h, release, err := pool.AcquireMemory("mem://x", "pika/calls/1/alice")
	require.NoError(t, err)
	defer release()

	track := h.Broadcast("pika/calls/1/alice").Track("audio0")
	ch, unsub, err := track.Subscribe()
	require.NoError(t, err)
	defer unsub()

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, track.Publish(NewFrame(i, 20, true, []byte{byte(i)})))
	}

	received := 0
	timeout := time.After(time.Second)
	for received < 10 {
		select {
		case f := <-ch:
			require.Equal(t, byte(received), f.Payload[0])
			received++
		case <-timeout:
			t.Fatalf("timed out after %d frames", received)
		}
	}
}

func TestNewFrameTimestampDerivation(t *testing.T) {
	f := NewFrame(5, 20, false, nil)
	require.Equal(t, int64(5*20*1000), f.TimestampUs)
}
