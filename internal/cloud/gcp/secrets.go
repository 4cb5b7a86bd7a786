// Package gcp integrates cloud mode with Google Cloud: agent credentials
// from Secret Manager and structured log output for the Cloud Logging
// agent.
package gcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// SecretFetcher defines the interface for fetching secrets.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, secretPath string) (string, error)
	Close() error
}

// SecretManagerClient wraps the GCP Secret Manager client.
type SecretManagerClient struct {
	client    *secretmanager.Client
	projectID string
}

// NewSecretManagerClient creates a new Secret Manager client. projectID may
// be empty, in which case it is resolved from the environment or the
// metadata server.
func NewSecretManagerClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*SecretManagerClient, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	if projectID == "" {
		projectID, err = getProjectID(ctx)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to get project ID: %w", err)
		}
	}

	return &SecretManagerClient{client: client, projectID: projectID}, nil
}

// FetchSecret retrieves a secret value. secretPath may be a bare secret
// name (latest version in the configured project) or a full resource path
// like projects/p/secrets/name/versions/3.
func (c *SecretManagerClient) FetchSecret(ctx context.Context, secretPath string) (string, error) {
	name := secretPath
	if !strings.HasPrefix(secretPath, "projects/") {
		name = path.Join("projects", c.projectID, "secrets", secretPath, "versions", "latest")
	} else if !strings.Contains(secretPath, "/versions/") {
		name = path.Join(secretPath, "versions", "latest")
	}

	resp, err := c.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	return string(resp.Payload.Data), nil
}

// Close releases the underlying client.
func (c *SecretManagerClient) Close() error {
	return c.client.Close()
}

// getProjectID retrieves the GCP project ID from environment variables or
// the metadata server.
func getProjectID(ctx context.Context) (string, error) {
	for _, key := range []string{"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT", "GCLOUD_PROJECT"} {
		if projectID := os.Getenv(key); projectID != "" {
			return projectID, nil
		}
	}
	return getProjectIDFromMetadata(ctx)
}

// getProjectIDFromMetadata fetches the project ID from the GCP metadata
// server (works on GCP VMs, Cloud Run, etc.).
func getProjectIDFromMetadata(ctx context.Context) (string, error) {
	const metadataURL = "http://metadata.google.internal/computeMetadata/v1/project/project-id"

	req, err := http.NewRequestWithContext(ctx, "GET", metadataURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch project ID from metadata server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("failed to read metadata response: %w", err)
	}
	projectID := strings.TrimSpace(string(body))
	if projectID == "" {
		return "", fmt.Errorf("metadata server returned empty project ID")
	}
	return projectID, nil
}
