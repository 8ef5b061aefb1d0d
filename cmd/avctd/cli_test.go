package main

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestRunRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown transport", []string{"--transport", "carrier-pigeon"}},
		{"bad collision policy", []string{"--collision", "both"}},
		{"missing config file", []string{"--config", filepath.Join(t.TempDir(), "nope.conf")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp()
			app.Writer, app.ErrWriter = io.Discard, io.Discard
			app.ExitErrHandler = func(*cli.Context, error) {}

			err := app.Run(append([]string{"avctd"}, tt.args...))
			require.Error(t, err)
		})
	}
}
