package errcodes

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIs(t *testing.T) {
	t.Parallel()

	err := NotFound("Book")
	assert.True(t, errors.Is(err, NotFound("Book")))
	assert.False(t, errors.Is(err, NotFound("Bookmark")))
	assert.False(t, errors.Is(err, AlreadyExists("Book")))
}

func TestHasKind(t *testing.T) {
	t.Parallel()

	assert.True(t, HasKind(NotFound("Book"), KindNotFound))
	assert.False(t, HasKind(NotFound("Book"), KindTransient))
	assert.False(t, HasKind(nil, KindNotFound))
	assert.False(t, HasKind(errors.New("plain"), KindNotFound))
}

func TestHasKind_Wrapped(t *testing.T) {
	t.Parallel()

	wrapped := errors.Wrap(Transient("connection reset"), "fetching feed")
	assert.True(t, HasKind(wrapped, KindTransient))
}

func TestAs(t *testing.T) {
	t.Parallel()

	var target *Error
	assert.True(t, errors.As(Corrupted("bad frame"), &target))
	assert.Equal(t, KindCorrupted, target.Kind)
}
