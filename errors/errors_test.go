package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrapping(t *testing.T) {
	err := Wrap(ErrNotFound, "template for scene greeting")
	assert.True(t, Is(err, ErrNotFound))
	assert.False(t, Is(err, ErrInvalidRequest))
	assert.Contains(t, err.Error(), "template for scene greeting")
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("boom")))
	assert.True(t, IsNotFoundError(NewNotFoundError("model %s", "m-42")))
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("bad scene id %q", "")
	require.Error(t, err)
	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), `bad scene id ""`)
}

func TestWrapPreservesChain(t *testing.T) {
	inner := Wrap(ErrTenantRequired, "scene billing")
	outer := Wrapf(inner, "execute task %s", "t-1")
	assert.True(t, Is(outer, ErrTenantRequired))
}
