package secrets

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// keychainBackend shells out to macOS `security` or Linux `secret-tool`.
// Neither tool exposes a Go-native binding worth wrapping for this one
// subprocess call per operation, so we drive the CLI directly, the same
// way the reference implementation does.
type keychainBackend struct {
	namespace  string
	security   string
	secretTool string
	available  bool
}

func newKeychainBackend(namespace string) *keychainBackend {
	b := &keychainBackend{namespace: namespace}
	switch runtime.GOOS {
	case "darwin":
		if path, err := exec.LookPath("security"); err == nil {
			b.security = path
		}
	case "linux":
		if path, err := exec.LookPath("secret-tool"); err == nil {
			b.secretTool = path
		}
	}
	b.available = b.security != "" || b.secretTool != ""
	return b
}

func (b *keychainBackend) BackendName() string { return "keychain" }

func (b *keychainBackend) service(key string) string {
	return b.namespace + ":" + key
}

// isUsable probes whether the keychain is actually reachable in the
// current session (not just installed): a missing DBUS session bus on
// Linux, or a locked/absent keychain on macOS, both make the tool
// present but non-functional.
func (b *keychainBackend) isUsable() bool {
	if !b.available {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.security != "" {
		cmd := exec.CommandContext(ctx, b.security, "find-generic-password",
			"-a", b.namespace, "-s", b.service("__probe__"), "-w")
		err := cmd.Run()
		// 0 = found, 44 = item not found. Both mean the keychain answered.
		if err == nil {
			return true
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode() == 44
		}
		return false
	}

	if b.secretTool != "" {
		if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
			return false
		}
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, b.secretTool, "lookup", "service", b.namespace, "key", "__probe__")
		cmd.Stderr = &stderr
		err := cmd.Run()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			return false
		}
		return (code == 0 || code == 1) && strings.TrimSpace(stderr.String()) == ""
	}

	return false
}

func (b *keychainBackend) Get(key string) (string, bool) {
	if b.security != "" {
		out, err := exec.Command(b.security, "find-generic-password",
			"-a", b.namespace, "-s", b.service(key), "-w").Output()
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(string(out)), true
	}
	if b.secretTool != "" {
		out, err := exec.Command(b.secretTool, "lookup", "service", b.namespace, "key", key).Output()
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(string(out)), true
	}
	return "", false
}

func (b *keychainBackend) Set(key, value string) error {
	if b.security != "" {
		cmd := exec.Command(b.security, "add-generic-password",
			"-a", b.namespace, "-s", b.service(key), "-w", value, "-U")
		if err := cmd.Run(); err != nil {
			return err
		}
		return nil
	}
	if b.secretTool != "" {
		cmd := exec.Command(b.secretTool, "store", "--label", b.service(key),
			"service", b.namespace, "key", key)
		cmd.Stdin = strings.NewReader(value + "\n")
		return cmd.Run()
	}
	return errors.New("secrets: no keychain tool available")
}

func (b *keychainBackend) Delete(key string) error {
	if b.security != "" {
		return exec.Command(b.security, "delete-generic-password",
			"-a", b.namespace, "-s", b.service(key)).Run()
	}
	if b.secretTool != "" {
		return exec.Command(b.secretTool, "clear", "service", b.namespace, "key", key).Run()
	}
	return errors.New("secrets: no keychain tool available")
}

func (b *keychainBackend) Has(key string) bool {
	_, ok := b.Get(key)
	return ok
}
