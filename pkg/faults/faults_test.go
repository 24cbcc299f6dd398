package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type classifiedErr struct{ kind Kind }

func (e classifiedErr) Error() string   { return "classified" }
func (e classifiedErr) FaultKind() Kind { return e.kind }

func TestKindOf(t *testing.T) {
	t.Run("unclassified", func(t *testing.T) {
		assert.Equal(t, Unknown, KindOf(errors.New("plain")))
		assert.False(t, IsTerminal(errors.New("plain")))
		assert.False(t, IsRecoverable(nil))
	})

	t.Run("wrapped_terminal", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", classifiedErr{kind: Terminal})
		assert.True(t, IsTerminal(err))
		assert.False(t, IsRecoverable(err))
	})

	t.Run("recoverable", func(t *testing.T) {
		err := classifiedErr{kind: Recoverable}
		assert.True(t, IsRecoverable(err))
		assert.Equal(t, "recoverable", KindOf(err).String())
	})
}
