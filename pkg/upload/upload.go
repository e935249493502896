// Package upload mirrors the aligned output files to remote storage.
package upload

import "context"

// Publisher uploads a local directory of output files to remote storage.
type Publisher interface {
	// Preflight verifies that the remote storage is reachable and writable.
	Preflight(ctx context.Context) error

	// Publish uploads every regular file directly inside localDir under
	// the configured prefix followed by keyPrefix. Files whose remote copy
	// is identical are skipped. It returns the keys that were written.
	Publish(ctx context.Context, localDir, keyPrefix string) ([]string, error)
}
