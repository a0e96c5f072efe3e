package fluiderr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := E(KindNotFound, "server %q not found", "demo")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, `not_found: server "demo" not found`, err.Error())

	// Unclassified errors default to server_error.
	assert.Equal(t, KindServerError, KindOf(errors.New("boom")))
	assert.Equal(t, KindServerError, KindOf(nil))
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := Wrap(KindIOError, io.ErrClosedPipe, "write to child")
	outer := fmt.Errorf("forwarding request: %w", inner)

	assert.Equal(t, KindIOError, KindOf(outer))
	assert.True(t, IsKind(outer, KindIOError))
	assert.True(t, errors.Is(outer, io.ErrClosedPipe))
}

func TestWithStatus(t *testing.T) {
	err := E(KindClientError, "provider rejected request").WithStatus(422)
	assert.Equal(t, 422, StatusOf(err))
	assert.Equal(t, 0, StatusOf(errors.New("plain")))
}
