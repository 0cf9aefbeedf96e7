package fault

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapMatchesBoth(t *testing.T) {
	err := Wrap(ErrAllocation, io.ErrUnexpectedEOF, "mmap %d bytes", 4096)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "mmap 4096 bytes")
}

func TestWrapNoFormat(t *testing.T) {
	err := Wrap(ErrProtection, io.EOF, "")
	assert.Equal(t, "cannot change memory protection: EOF", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(ErrAttach, nil, "pid %d", 1))
}

func TestKindsDistinct(t *testing.T) {
	kinds := []error{
		ErrAttach, ErrNotAttached, ErrModuleNotFound, ErrSymbolNotFound, ErrAllocation,
		ErrRemoteAllocation, ErrProtection, ErrUnexpectedStop, ErrPartialWrite,
		ErrUnsupportedArchitecture, ErrRemoteCallTimeout, ErrTimeout, ErrAlreadyPatched, ErrNotPatched,
	}
	for i, a := range kinds {
		for j, b := range kinds {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v matches %v", a, b)
			}
		}
	}
}
