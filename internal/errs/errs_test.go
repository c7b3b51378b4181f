package errs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfRecoversThroughWrap(t *testing.T) {
	base := New(NotFound, "program missing")
	wrapped := Wrap(ProcessingError, base, "store.Get")

	assert.Equal(t, ProcessingError, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "program missing")
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(nil))
	assert.Equal(t, Internal, KindOf(assertPlainError{}))
}

type assertPlainError struct{}

func (assertPlainError) Error() string { return "plain" }

func TestCodeNeverZero(t *testing.T) {
	for k := Internal; k <= Timeout; k++ {
		assert.NotZero(t, k.Code())
	}
}
