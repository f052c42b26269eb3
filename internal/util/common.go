package util

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). Go's filepath.Join strips leading slashes from later
// arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".  This helper
// gives the intuitive behaviour: absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateUserID validates and normalizes a user id.
// Returns the trimmed id and an error if invalid.
func ValidateUserID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("user id is empty")
	}
	if len(id) > 128 {
		return "", errors.New("user id is longer than 128 characters")
	}
	if strings.ContainsAny(id, "/\\ \t\n") || strings.Contains(id, "..") {
		return "", errors.New("user id must not contain whitespace, slashes or '..'")
	}
	return id, nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Notify asks the desktop to show a notification. command overrides the
// platform default; an empty command on linux means notify-send.
func Notify(command, title, body string) error {
	var cmd *exec.Cmd
	switch {
	case command != "":
		cmd = exec.Command(command, title, body)
	case runtime.GOOS == "linux":
		cmd = exec.Command("notify-send", title, body)
	case runtime.GOOS == "darwin":
		cmd = exec.Command("osascript", "-e",
			`display notification "`+escapeAppleScript(body)+`" with title "`+escapeAppleScript(title)+`"`)
	default:
		return errors.New("unsupported platform")
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
