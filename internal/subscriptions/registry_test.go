package subscriptions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupe_RemovesDuplicatesPreservingFirstOccurrence(t *testing.T) {
	got := dedupe([]string{"a", "b", "a", "c", "b"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDedupe_EmptyInputReturnsNil(t *testing.T) {
	assert.Nil(t, dedupe(nil))
	assert.Nil(t, dedupe([]string{}))
}

func TestDedupe_NoDuplicatesReturnedUnchanged(t *testing.T) {
	got := dedupe([]string{"x", "y", "z"})
	assert.Equal(t, []string{"x", "y", "z"}, got)
}
