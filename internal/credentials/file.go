package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileResolver reads credentials from JSON documents on disk. The id is a
// file name relative to Dir, or an absolute path when Dir is empty.
type FileResolver struct {
	Dir string
}

// Resolve reads and decodes the secret file
func (r *FileResolver) Resolve(ctx context.Context, id string) (Credential, error) {
	path := id
	if r.Dir != "" {
		path = filepath.Join(r.Dir, filepath.Clean("/"+id))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read secret file: %w", err)
	}

	cred, err := DecodeBinary(data)
	if err != nil {
		return Credential{}, fmt.Errorf("secret file %s: %w", path, err)
	}
	return cred, nil
}
