package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))

	broken := NewExitError(3, errors.New("chain broken"))
	assert.Equal(t, 3, ExitCode(broken))
	assert.Equal(t, 3, ExitCode(fmt.Errorf("verify: %w", broken)))
	assert.Equal(t, "chain broken", broken.Error())
}
