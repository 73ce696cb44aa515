// Package secrets keeps the node's service account key file in sync with
// the copy held in Google Secret Manager.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/google/renameio/v2"
)

// Source returns the latest value of a secret.
type Source interface {
	Fetch(ctx context.Context, project, id string) ([]byte, error)
}

// SecretManager reads secrets from Google Secret Manager using the
// application default credentials.
type SecretManager struct {
	client *secretmanager.Client
}

// NewSecretManager creates a Secret Manager client.
func NewSecretManager(ctx context.Context) (*SecretManager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}
	return &SecretManager{client: client}, nil
}

// VersionName is the resource name of the latest version of a secret.
func VersionName(project, id string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, id)
}

func (s *SecretManager) Fetch(ctx context.Context, project, id string) ([]byte, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: VersionName(project, id),
	})
	if err != nil {
		return nil, fmt.Errorf("access secret %s: %w", VersionName(project, id), err)
	}
	return resp.GetPayload().GetData(), nil
}

func (s *SecretManager) Close() error {
	return s.client.Close()
}

// RefreshFile writes the latest secret value to path when it differs from
// the file's current content. The file is replaced atomically with mode
// 0600. It reports whether the file changed.
func RefreshFile(ctx context.Context, src Source, project, id, path string) (bool, error) {
	data, err := src.Fetch(ctx, project, id)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, fmt.Errorf("secret %s is empty", VersionName(project, id))
	}

	current, err := os.ReadFile(path) //nolint:gosec // configured key path
	switch {
	case err == nil && bytes.Equal(current, data):
		return false, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create %s: %w", dir, err)
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return false, fmt.Errorf("create temp file for %s: %w", path, err)
	}
	defer pending.Cleanup() //nolint:errcheck // no-op after a successful replace

	if _, err := pending.Write(data); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return false, fmt.Errorf("replace %s: %w", path, err)
	}
	return true, nil
}
