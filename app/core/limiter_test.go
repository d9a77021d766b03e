package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUseLimiter(t *testing.T) {
	c := &Core{limiters: newLimiters()}

	l := c.UseLimiter("query:tenant-1", WithLimit(2), WithRange(time.Hour))
	assert.Same(t, l, c.UseLimiter("query:tenant-1"))

	// burst is twice the limit
	for range 4 {
		assert.True(t, l.Allow())
	}
	assert.False(t, l.Allow())

	assert.True(t, c.UseLimiter("query:tenant-2", WithLimit(2), WithRange(time.Hour)).Allow())
}
