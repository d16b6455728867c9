package pipeline

import (
	"os"

	"github.com/feathermail/feathermail/internal/stages"
)

// loadKeystoreFile reads a bcrypt keystore JSON file, tolerating a missing
// file as an empty keystore (no provisioned users yet).
func loadKeystoreFile(path string) (map[string]stages.KeystoreEntry, error) {
	if path == "" {
		return map[string]stages.KeystoreEntry{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]stages.KeystoreEntry{}, nil
		}
		return nil, err
	}
	return stages.LoadKeystore(data)
}
