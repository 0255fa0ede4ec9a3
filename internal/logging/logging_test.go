package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestNewBuildsBothEncoders(t *testing.T) {
	t.Parallel()

	l, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	l, err = New(Config{Level: "WARN", JSON: true})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, OrNop(nil))
}
