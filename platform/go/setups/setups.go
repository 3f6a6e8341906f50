package setups

import (
	"os"
	"strings"
)

const (
	FirebaseCredentialsPathEnv = "FIREBASE_CONFIG"
	ProjectEnv                 = "GCLOUD_PROJECT"
)

// FirebaseCredentialsPath returns the service account file configured for the Firebase app, if any.
// Without it the app falls back to application default credentials.
func FirebaseCredentialsPath() *string {
	path, found := os.LookupEnv(FirebaseCredentialsPathEnv)
	if !found || strings.TrimSpace(path) == "" {
		return nil
	}
	return &path
}

// ProjectID returns the configured Google Cloud project, or an empty string.
func ProjectID() string {
	return strings.TrimSpace(os.Getenv(ProjectEnv))
}
