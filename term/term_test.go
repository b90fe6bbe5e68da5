package term_test

import (
	"os"
	"testing"

	"github.com/bobuhiro11/gokvm-migration/term"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeIsNotTerminal(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	require.NoError(t, err)

	t.Cleanup(func() {
		r.Close()
		w.Close()
	})

	assert.False(t, term.IsTerminal(int(r.Fd())))

	restore, err := term.SetRawMode(int(r.Fd()))
	require.Error(t, err)
	restore()
}
