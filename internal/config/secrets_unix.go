//go:build unix

package config

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// chmodOwnerOnly restricts path to 0600 via a direct unix syscall.
func (s *SecretStore) chmodOwnerOnly(path string) error {
	if err := unix.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict permissions on %s: %w", path, err)
	}
	return nil
}
