package corerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrInvalidToken, "parse token", nil)
	assert.True(t, errors.Is(err, ErrInvalidToken))
	assert.False(t, errors.Is(err, ErrExpiredToken))
}

func TestWrapWithCauseIncludesDetail(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ErrTransientDatabase, "dial postgres", cause)
	assert.True(t, errors.Is(err, ErrTransientDatabase))
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "dial postgres")
}
