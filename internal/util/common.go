package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// DefaultFetchTimeout bounds one-off HTTP lookups made during startup.
const DefaultFetchTimeout = 5 * time.Second

const maxPeerName = 64

// ResolvePath resolves rel against base. Absolute paths win, unlike
// filepath.Join which would glue them onto base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidatePeerName trims name and checks it can serve as a participant id.
// Ids end up in relay topics, redis keys and URL paths, so only letters,
// digits, '.', '_' and '-' are allowed.
func ValidatePeerName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errors.New("peer name is empty")
	case len(name) > maxPeerName:
		return "", fmt.Errorf("peer name longer than %d bytes", maxPeerName)
	case strings.Contains(name, ".."):
		return "", errors.New("peer name must not contain '..'")
	}
	for _, c := range name {
		ok := c == '.' || c == '_' || c == '-' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			return "", fmt.Errorf("peer name has invalid character %q", c)
		}
	}
	return name, nil
}

// WriteJSONFile writes v as indented JSON. The file is replaced through a
// rename so a config watcher never sees it half written.
func WriteJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// OpenURL hands url to the desktop's browser launcher.
func OpenURL(url string) error {
	var name string
	var args []string
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd":
		name = "xdg-open"
	case "darwin":
		name = "open"
	case "windows":
		name, args = "rundll32", []string{"url.dll,FileProtocolHandler"}
	default:
		return fmt.Errorf("no browser launcher for %s", runtime.GOOS)
	}
	return exec.Command(name, append(args, url)...).Start()
}
