//go:build !unix

package config

import (
	"fmt"
	"os"
)

// chmodOwnerOnly is the non-unix fallback; golang.org/x/sys/unix has no
// Windows chmod equivalent so os.Chmod best-effort restricts the file.
func (s *SecretStore) chmodOwnerOnly(path string) error {
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict permissions on %s: %w", path, err)
	}
	return nil
}
