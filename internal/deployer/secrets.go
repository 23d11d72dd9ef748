package deployer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// secretFilePath returns the path spec.md §4.3.1 step d names:
// /run/kennel/secrets/<project>-<branch>-<service>.env
func secretFilePath(secretsDir, project, branch, service string) string {
	return filepath.Join(secretsDir, fmt.Sprintf("%s-%s-%s.env", project, branch, service))
}

// writeSecretFile renders the service's environment file and writes it
// atomically with mode 0400: write to a temp file in the same directory,
// then rename, so a concurrently-starting unit never reads a partial file.
// It is chowned to uid/gid so the service's unprivileged systemd user
// (not the daemon's own, typically root) can read its own secrets
// (spec.md §4.3.1 step d).
func writeSecretFile(path string, env map[string]string, secretValues map[string]string, uid, gid int) error {
	keys := make([]string, 0, len(env)+len(secretValues))
	merged := make(map[string]string, len(env)+len(secretValues))
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range secretValues {
		merged[k] = v
	}
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, merged[k])
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o400); err != nil {
		return fmt.Errorf("writing secret file %s: %w", path, err)
	}
	if err := os.Chown(tmp, uid, gid); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chowning secret file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("installing secret file %s: %w", path, err)
	}
	return nil
}

// readSecretValues loads the named secrets from secretsSourceDir, one file
// per secret, keyed by its upper-cased name so manifest entries like
// "stripe_key" resolve to STRIPE_KEY in the written env file.
func readSecretValues(secretsSourceDir string, names []string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(secretsSourceDir, name))
		if err != nil {
			return nil, fmt.Errorf("reading secret %q: %w", name, err)
		}
		values[strings.ToUpper(name)] = strings.TrimRight(string(data), "\n")
	}
	return values, nil
}
