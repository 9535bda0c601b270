package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULIDReturnsValid(t *testing.T) {
	id, err := NewULID()
	require.NoError(t, err)
	assert.True(t, IsULID(id))
	assert.False(t, IsULID("not-a-ulid"))
}

func TestParseUUID(t *testing.T) {
	id := NewUUID()

	parsed, err := ParseUUID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	for _, bad := range []string{"", "123", "{" + id.String() + "}", "urn:uuid:" + id.String(), "zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz"} {
		_, err := ParseUUID(bad)
		assert.ErrorIs(t, err, ErrInvalidUUID, bad)
	}
}
