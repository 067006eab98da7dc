package fsutil

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *OwnerConfig
		wantErr bool
	}{
		{name: "empty", input: "", want: nil},
		{name: "valid", input: "1000:1001", want: &OwnerConfig{UID: 1000, GID: 1001}},
		{name: "root", input: "0:0", want: &OwnerConfig{}},
		{name: "missing gid", input: "1000", wantErr: true},
		{name: "extra part", input: "1:2:3", wantErr: true},
		{name: "non numeric", input: "alice:staff", wantErr: true},
		{name: "negative", input: "-1:0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	owner := &OwnerConfig{UID: 1000, GID: 1000}

	require.NoError(t, MkdirAll(fs, "/results/run", 0o755, owner))
	require.NoError(t, WriteFile(fs, "/results/run/summary.md", []byte("# run"), 0o644, owner))
	require.NoError(t, WriteFile(fs, "/results/run/records.json", []byte("[]"), 0o644, nil))

	data, err := afero.ReadFile(fs, "/results/run/summary.md")
	require.NoError(t, err)
	assert.Equal(t, "# run", string(data))

	err = WriteFile(afero.NewReadOnlyFs(fs), "/results/run/x.json", nil, 0o644, owner)
	require.Error(t, err)
}
