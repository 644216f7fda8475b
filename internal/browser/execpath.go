// internal/browser/execpath.go
package browser

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
)

// ErrBinaryNotFound is returned when no browser executable can be located for the host OS.
var ErrBinaryNotFound = errors.New("browser executable not found")

const (
	windowsChromePath   = `C:\Program Files\Google\Chrome\Application\chrome.exe`
	windowsChromePath86 = `C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`
	darwinChromePath    = "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
	linuxChromeBinary   = "google-chrome"
)

// LookPathFunc resolves a binary name or absolute path, like exec.LookPath.
type LookPathFunc func(file string) (string, error)

// ResolveExecPath finds the browser binary for goos. It performs no side effects beyond
// calling lookPath, so the three platform strategies can be tested from any host.
func ResolveExecPath(goos string, lookPath LookPathFunc) (string, error) {
	var candidates []string
	switch goos {
	case "windows":
		candidates = []string{windowsChromePath, windowsChromePath86}
	case "darwin":
		candidates = []string{darwinChromePath}
	case "linux":
		candidates = []string{linuxChromeBinary, "google-chrome-stable", "chromium", "chromium-browser"}
	default:
		return "", fmt.Errorf("%w: unsupported platform %q", ErrBinaryNotFound, goos)
	}

	for _, candidate := range candidates {
		if path, err := lookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v on %s", ErrBinaryNotFound, candidates, goos)
}

// DefaultExecPath resolves the browser binary for the running host.
func DefaultExecPath() (string, error) {
	return ResolveExecPath(runtime.GOOS, exec.LookPath)
}
