package transfer

import (
	"fmt"
	"strings"

	"s3tosftp/internal/remote"
)

// MkdirAll creates every segment of dir that does not exist yet. A Mkdir
// failure is ignored when the directory turns out to exist afterwards, which
// covers another client creating it concurrently.
func MkdirAll(fs remote.Session, dir string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part

		_, err := fs.Stat(cur)
		if err == nil {
			continue
		}
		if !remote.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", cur, err)
		}

		if err := fs.Mkdir(cur); err != nil {
			if _, statErr := fs.Stat(cur); statErr != nil {
				return fmt.Errorf("failed to create %s: %w", cur, err)
			}
		}
	}
	return nil
}
