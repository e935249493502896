package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/interopscore/pkg/config"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "interop-scores"

// objectStore is the subset of the S3 client used by the publisher.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3Publisher implements Publisher for S3-compatible storage.
type s3Publisher struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client objectStore
}

var (
	_ Publisher   = (*s3Publisher)(nil)
	_ objectStore = (*s3.Client)(nil)
)

// NewS3Publisher creates a new S3 publisher from the given configuration.
func NewS3Publisher(log logrus.FieldLogger, cfg *config.S3UploadConfig) Publisher {
	return &s3Publisher{
		log:    log.WithField("component", "s3-publisher"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight verifies S3 connectivity by writing a small test object.
func (p *s3Publisher) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("interopscore write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(p.key(".interopscore-write-test")),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", p.cfg.Bucket, err)
	}

	return nil
}

// Publish uploads the files of localDir. Subdirectories are not descended
// into; the aligned output directory is flat.
func (p *s3Publisher) Publish(ctx context.Context, localDir, keyPrefix string) ([]string, error) {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", localDir, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	var written []string

	for _, name := range names {
		key := p.key(path.Join(keyPrefix, name))

		data, err := os.ReadFile(filepath.Join(localDir, name))
		if err != nil {
			return written, fmt.Errorf("reading %s: %w", name, err)
		}

		remote, err := p.getObject(ctx, key)
		if err != nil {
			return written, err
		}

		if remote != nil && bytes.Equal(remote, data) {
			p.log.WithField("key", key).Debug("Remote object unchanged")

			continue
		}

		if err := p.putObject(ctx, key, data, detectContentType(name)); err != nil {
			return written, fmt.Errorf("uploading %s: %w", name, err)
		}

		written = append(written, key)
	}

	p.log.WithFields(logrus.Fields{
		"files":     len(names),
		"uploaded":  len(written),
		"bucket":    p.cfg.Bucket,
		"directory": localDir,
	}).Info("Publish completed")

	return written, nil
}

// getObject returns the contents of key, or nil when it does not exist.
func (p *s3Publisher) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

func (p *s3Publisher) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}

	if p.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(p.cfg.StorageClass)
	}

	if p.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(p.cfg.ACL)
	}

	p.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": p.cfg.Bucket,
	}).Debug("Uploading file")

	if _, err := p.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// key joins the configured prefix and name.
func (p *s3Publisher) key(name string) string {
	prefix := p.cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(name, "/")
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(name string) string {
	ext := filepath.Ext(name)

	switch ext {
	case "":
		return "application/octet-stream"
	case ".csv":
		return "text/csv"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
