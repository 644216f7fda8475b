// internal/browser/execpath_test.go
package browser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLookPath resolves only the names present in the map.
func fakeLookPath(found map[string]string) LookPathFunc {
	return func(file string) (string, error) {
		if p, ok := found[file]; ok {
			return p, nil
		}
		return "", errors.New("not found")
	}
}

func TestResolveExecPath(t *testing.T) {
	tests := []struct {
		name  string
		goos  string
		found map[string]string
		want  string
	}{
		{
			name:  "windows program files",
			goos:  "windows",
			found: map[string]string{windowsChromePath: windowsChromePath},
			want:  windowsChromePath,
		},
		{
			name:  "windows x86 fallback",
			goos:  "windows",
			found: map[string]string{windowsChromePath86: windowsChromePath86},
			want:  windowsChromePath86,
		},
		{
			name:  "linux path lookup",
			goos:  "linux",
			found: map[string]string{"google-chrome": "/usr/bin/google-chrome"},
			want:  "/usr/bin/google-chrome",
		},
		{
			name:  "linux chromium fallback",
			goos:  "linux",
			found: map[string]string{"chromium": "/usr/bin/chromium"},
			want:  "/usr/bin/chromium",
		},
		{
			name:  "darwin application bundle",
			goos:  "darwin",
			found: map[string]string{darwinChromePath: darwinChromePath},
			want:  darwinChromePath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveExecPath(tt.goos, fakeLookPath(tt.found))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveExecPath_NotFound(t *testing.T) {
	_, err := ResolveExecPath("linux", fakeLookPath(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBinaryNotFound)

	_, err = ResolveExecPath("plan9", fakeLookPath(map[string]string{"google-chrome": "/bin/chrome"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBinaryNotFound)
	assert.Contains(t, err.Error(), "unsupported platform")
}
