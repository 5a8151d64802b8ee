package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSequenceCounterMonotonic(t *testing.T) {
	var c SequenceCounter
	prev := 0
	for i := 0; i < 100; i++ {
		n := c.Next()
		assert.Equal(t, prev+1, n)
		prev = n
	}
}

func TestSeenMessageCacheFirstObservationOnly(t *testing.T) {
	cache := NewSeenMessageCache(4)
	assert.True(t, cache.Mark("a"))
	assert.False(t, cache.Mark("a"))
	assert.True(t, cache.Mark("b"))
}

func TestSeenMessageCacheFIFOEviction(t *testing.T) {
	cache := NewSeenMessageCache(2)
	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("c") // evicts "a"
	assert.True(t, cache.Mark("a"), "a should be evicted and reportable as new again")
	assert.Equal(t, 2, cache.Len())
}

func TestEndpointStateMarkSeen(t *testing.T) {
	e := NewEndpointState("11111111-1111-1111-1111-111111111111")
	assert.True(t, e.MarkSeen("m1"))
	assert.False(t, e.MarkSeen("m1"))
	assert.Equal(t, 1, e.NextSeq())
	assert.Equal(t, 2, e.NextSeq())
}

func TestActiveSessionDrainOutputRespectsChunkAndInterval(t *testing.T) {
	s := NewActiveSession("11111111-1111-1111-1111-111111111111", nil)
	s.AppendOutput([]byte("short"))

	_, ok := s.DrainOutput(4096, time.Hour)
	assert.False(t, ok, "below chunk size and interval not elapsed, should not flush")

	chunk, ok := s.DrainOutput(4096, 0)
	assert.True(t, ok)
	assert.Equal(t, "short", string(chunk))
}

func TestActiveSessionDrainOutputChunkBoundary(t *testing.T) {
	s := NewActiveSession("11111111-1111-1111-1111-111111111111", nil)
	s.AppendOutput([]byte("abcdefgh"))

	chunk, ok := s.DrainOutput(4, time.Hour)
	assert.True(t, ok)
	assert.Equal(t, "abcd", string(chunk))

	remainder := s.FlushAll()
	assert.Equal(t, "efgh", string(remainder))
}
