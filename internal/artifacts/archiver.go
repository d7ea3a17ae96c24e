package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores the finalized log of a job and returns a URI for it.
type Archiver interface {
	Archive(ctx context.Context, jobID string, log []byte) (string, error)
}

type LocalArchiver struct {
	root string
}

func NewLocalArchiver(root string) *LocalArchiver {
	if root == "" {
		root = filepath.Join(os.TempDir(), "testbed-artifacts")
	}
	return &LocalArchiver{root: root}
}

func (a *LocalArchiver) Archive(_ context.Context, jobID string, log []byte) (string, error) {
	dir := filepath.Join(a.root, jobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "console.log")
	if err := os.WriteFile(path, log, 0o600); err != nil {
		return "", err
	}
	return "artifact://" + jobID + "/console.log", nil
}

type MinIOArchiver struct {
	client *minio.Client
	bucket string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinIOArchiver(cfg MinIOConfig) (*MinIOArchiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when TESTBED_ARTIFACT_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "testbed-artifacts"
	}
	return &MinIOArchiver{client: client, bucket: bucket}, nil
}

func (a *MinIOArchiver) Archive(ctx context.Context, jobID string, log []byte) (string, error) {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	objectName := jobID + "/console.log"
	_, err = a.client.PutObject(ctx, a.bucket, objectName, bytes.NewReader(log), int64(len(log)), minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("artifact://s3/%s/%s", a.bucket, objectName), nil
}
