package broker

import (
	"encoding/json"
	"fmt"
	"os"
)

type credentialEntry struct {
	UserID    string `json:"user_id"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// LoadCredentials reads per-user broker credentials from a JSON file. A
// missing file is not an error; it means no users are provisioned yet.
func LoadCredentials(path string) ([]Credentials, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var entries []credentialEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse credentials %s: %w", path, err)
	}

	creds := make([]Credentials, 0, len(entries))
	for _, e := range entries {
		if e.UserID == "" {
			return nil, fmt.Errorf("credentials %s: entry without user_id", path)
		}
		creds = append(creds, Credentials{
			UserID:    e.UserID,
			APIKey:    e.APIKey,
			APISecret: e.APISecret,
		})
	}
	return creds, nil
}
