package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUUIDNewProducesDistinctNonEmptyIDs(t *testing.T) {
	var g UUID
	a := g.New()
	b := g.New()

	assert.NotEmpty(t, a)
	assert.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36, "uuid v4 string form is 36 characters")
}

var _ Generator = UUID{}
