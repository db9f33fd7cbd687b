package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_ClassifiedError(t *testing.T) {
	err := NotFound("ioc not found")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestKindOf_WrappedClassifiedError(t *testing.T) {
	cause := errors.New("boom")
	err := Internal("failed to read ioc", cause)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestKindOf_UnclassifiedDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("generic failure")))
}

func TestKindOf_Nil(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorMessageIncludesKindAndCause(t *testing.T) {
	err := Wrap(KindTimeout, "handler deadline exceeded", errors.New("context deadline exceeded"))
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "context deadline exceeded")
}
