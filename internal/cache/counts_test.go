package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Keys are namespaced by tenant so that two tenants sharing a Redis never
// collide, even when they reuse story or site identifiers.
func TestKeys(t *testing.T) {
	assert.Equal(t, "tenant:storyCommentCounts:story", storyKey("tenant", "story"))
	assert.Equal(t, "tenant:siteCommentCounts:site", siteKey("tenant", "site"))

	assert.NotEqual(t, storyKey("a", "x"), storyKey("b", "x"))
	assert.NotEqual(t, storyKey("tenant", "x"), siteKey("tenant", "x"))
}
