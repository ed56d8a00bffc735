package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/app-provisioner/internal/model"
)

// TestPrepare verifies the prepared request.
func TestPrepare(t *testing.T) {
	req := newTestRequest(t, weatherApp)

	assert.Len(t, req.Manifest.Requirements, 2)
	assert.Equal(t, req.Config.Context, req.Tree.Root)
	assert.Len(t, req.SourceHash, 64)
	assert.Equal(t, "2 requirements", req.requirementsDetail())
}

// TestPrepare_Errors verifies the exit code of each input problem.
func TestPrepare_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  model.ExitCode
	}{
		{
			name:  "missing manifest",
			files: map[string]string{"main.py": ""},
			want:  model.ExitInvalidInput,
		},
		{
			name:  "editable requirement",
			files: map[string]string{"main.py": "", "requirements.txt": "-e .\n"},
			want:  model.ExitInvalidInput,
		},
		{
			name:  "missing entrypoint",
			files: map[string]string{"requirements.txt": "requests\n", "app.py": ""},
			want:  model.ExitSourceCopyFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig(t, tt.files)

			_, err := Prepare(context.Background(), cfg)
			require.Error(t, err)

			var cliErr *model.CLIError
			require.True(t, errors.As(err, &cliErr))
			assert.Equal(t, tt.want, cliErr.Code)
		})
	}
}

// TestPrepare_MissingSourceTree verifies that an absent application tree
// is a source materialization failure.
func TestPrepare_MissingSourceTree(t *testing.T) {
	cfg := newTestConfig(t, map[string]string{"requirements.txt": ""})
	cfg.Source = "app"

	_, err := Prepare(context.Background(), cfg)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitSourceCopyFailed, cliErr.Code)
}
