// Package storage archives run directories to S3 and fetches them back.
package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/OFFIS-RIT/graphport/pkg/logger"
)

// ObjectAPI is the part of *s3.Client the archive uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Params struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a path-style client. Static credentials are used when
// both keys are set, otherwise the default chain applies.
func NewS3Client(ctx context.Context, p S3Params) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(p.Region)}
	if p.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(p.Endpoint))
	}
	if p.AccessKey != "" && p.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.AccessKey, p.SecretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// ArchiveRun uploads every file of runDir under "<runID>/", where runID is
// the base name of runDir, and returns the uploaded keys.
func ArchiveRun(ctx context.Context, client ObjectAPI, bucket, runDir string) ([]string, error) {
	runID := filepath.Base(filepath.Clean(runDir))
	var keys []string
	err := filepath.WalkDir(runDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(runDir, p)
		if err != nil {
			return err
		}
		key := path.Join(runID, filepath.ToSlash(rel))
		if err := putFile(ctx, client, bucket, key, p); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return keys, fmt.Errorf("archive run %s: %w", runID, err)
	}
	logger.Info("[Storage] Run archived", "run", runID, "bucket", bucket, "objects", len(keys))
	return keys, nil
}

func putFile(ctx context.Context, client ObjectAPI, bucket, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	in := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if ct := contentType(key); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".gz") {
		return "application/gzip"
	}
	return mime.TypeByExtension(path.Ext(key))
}

// ListRun returns the keys archived for runID.
func ListRun(ctx context.Context, client ObjectAPI, bucket, runID string) ([]string, error) {
	var keys []string
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(runID + "/"),
	}
	for {
		out, err := client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", runID, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if out.IsTruncated != nil && *out.IsTruncated {
			in.ContinuationToken = out.NextContinuationToken
		} else {
			break
		}
	}
	return keys, nil
}

// FetchRun downloads an archived run into dir/<runID> and returns that path.
func FetchRun(ctx context.Context, client ObjectAPI, bucket, runID, dir string) (string, error) {
	keys, err := ListRun(ctx, client, bucket, runID)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("run %s not found in bucket %s", runID, bucket)
	}
	runDir := filepath.Join(dir, runID)
	for _, key := range keys {
		rel := strings.TrimPrefix(key, runID+"/")
		dst := filepath.Join(runDir, filepath.FromSlash(rel))
		if !strings.HasPrefix(dst, runDir+string(filepath.Separator)) {
			return "", fmt.Errorf("object key %s escapes run directory", key)
		}
		if err := getFile(ctx, client, bucket, key, dst); err != nil {
			return "", err
		}
	}
	logger.Info("[Storage] Run fetched", "run", runID, "objects", len(keys), "dir", runDir)
	return runDir, nil
}

func getFile(ctx context.Context, client ObjectAPI, bucket, key, dst string) error {
	res, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer res.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, res.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	return f.Close()
}
