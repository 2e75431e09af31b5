package aiclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatSession struct{ replies []string }

func (f *fakeChatSession) Send(text string) (string, error) {
	if len(f.replies) == 0 {
		return "ok", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func TestChatLRUGetMissOnEmpty(t *testing.T) {
	l := newChatLRU(10, time.Minute)
	_, ok := l.get("k1")
	assert.False(t, ok)
}

func TestChatLRUPutAndGet(t *testing.T) {
	l := newChatLRU(10, time.Minute)
	cc := &chatContext{key: "k1", session: &fakeChatSession{}, lastUsedAt: time.Now()}
	l.put(cc)

	got, ok := l.get("k1")
	require.True(t, ok)
	assert.Equal(t, "k1", got.key)
}

func TestChatLRUEvictsLeastRecentlyUsedOverCapacity(t *testing.T) {
	l := newChatLRU(2, time.Minute)
	l.put(&chatContext{key: "a", session: &fakeChatSession{}, lastUsedAt: time.Now()})
	l.put(&chatContext{key: "b", session: &fakeChatSession{}, lastUsedAt: time.Now()})
	l.put(&chatContext{key: "c", session: &fakeChatSession{}, lastUsedAt: time.Now()})

	_, ok := l.get("a")
	assert.False(t, ok, "a should have been evicted as least-recently-used")
	_, ok = l.get("b")
	assert.True(t, ok)
	_, ok = l.get("c")
	assert.True(t, ok)
}

func TestChatLRUTTLExpiry(t *testing.T) {
	l := newChatLRU(10, time.Minute)
	base := time.Now()
	l.now = func() time.Time { return base }

	l.put(&chatContext{key: "k1", session: &fakeChatSession{}, lastUsedAt: base})

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok := l.get("k1")
	assert.False(t, ok, "entry should be evicted once past TTL")
}

func TestChatLRUTouchUpdatesRecency(t *testing.T) {
	l := newChatLRU(2, time.Minute)
	l.put(&chatContext{key: "a", session: &fakeChatSession{}, lastUsedAt: time.Now()})
	l.put(&chatContext{key: "b", session: &fakeChatSession{}, lastUsedAt: time.Now()})

	l.touch("a", time.Now())
	l.put(&chatContext{key: "c", session: &fakeChatSession{}, lastUsedAt: time.Now()})

	_, ok := l.get("b")
	assert.False(t, ok, "b should be evicted since a was touched more recently")
	_, ok = l.get("a")
	assert.True(t, ok)
}

func TestChatLRULen(t *testing.T) {
	l := newChatLRU(10, time.Minute)
	assert.Equal(t, 0, l.len())
	l.put(&chatContext{key: "a", session: &fakeChatSession{}, lastUsedAt: time.Now()})
	assert.Equal(t, 1, l.len())
}
