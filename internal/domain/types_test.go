package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagsFirst(t *testing.T) {
	tags := Tags{{"e", "evt1"}, {"p", "pub1"}, {"p", "pub2"}}

	v, ok := tags.First("p")
	assert.True(t, ok)
	assert.Equal(t, "pub1", v)

	_, ok = tags.First("missing")
	assert.False(t, ok)
}

func TestTagsAll(t *testing.T) {
	tags := Tags{{"e", "evt1"}, {"p", "pub1"}, {"p", "pub2"}, {"x"}}

	assert.Equal(t, []string{"pub1", "pub2"}, tags.All("p"))
	assert.Nil(t, tags.All("x"), "a tag shorter than 2 elements is ignored")
	assert.Nil(t, tags.All("missing"))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "private_message", KindPrivateMessage.String())
	assert.Equal(t, "balance_announcement", KindBalanceAnnouncement.String())
	assert.Equal(t, "unknown", KindUnknown.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}

func TestOutcomeOk(t *testing.T) {
	o := Ok("hello")
	assert.True(t, o.IsOk())
	reply, ok := o.Reply()
	assert.True(t, ok)
	assert.Equal(t, "hello", reply)
}

func TestOutcomeFail(t *testing.T) {
	o := Fail(FailInsufficientFunds, "need more sats")
	assert.False(t, o.IsOk())
	_, ok := o.Reply()
	assert.False(t, ok)
	kind, detail := o.Failure()
	assert.Equal(t, FailInsufficientFunds, kind)
	assert.Equal(t, "need more sats", detail)
}
