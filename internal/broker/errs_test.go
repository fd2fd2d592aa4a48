package broker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitingSentinelsMatchErrExiting(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, ErrTopicExiting, ErrExiting)
	assert.ErrorIs(t, ErrChannelExiting, ErrExiting)
	assert.False(t, errors.Is(ErrBadTopic, ErrExiting))
}

func TestWithExitCodeIsFoundByErrorsAs(t *testing.T) {
	t.Parallel()

	err := WithExitCode(errors.New("boom"), ExitBindError)

	var ec HasExitCode
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, ExitBindError, ec.ExitCode())
	assert.ErrorContains(t, err, "boom")
}

func TestWithExitCodeOnNilReturnsNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, WithExitCode(nil, ExitConfigError))
}

func TestWithExitCodeUnwrapsToOriginal(t *testing.T) {
	t.Parallel()

	original := errors.New("root cause")
	wrapped := WithExitCode(original, ExitDiskError)
	assert.ErrorIs(t, wrapped, original)
}
