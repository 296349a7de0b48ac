package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("has serve subcommand", func(t *testing.T) {
		root := GetRootCmd()

		var found bool
		for _, cmd := range root.Commands() {
			if cmd.Name() == "serve" {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("prints version", func(t *testing.T) {
		root := GetRootCmd()
		buf := new(bytes.Buffer)
		root.SetOut(buf)
		root.SetArgs([]string{"--version"})

		require.NoError(t, root.Execute())
		assert.Contains(t, buf.String(), GetVersion())
	})
}
