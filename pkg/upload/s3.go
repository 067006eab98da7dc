package upload

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/querybenchoor/pkg/config"
	"github.com/ethpandaops/querybenchoor/pkg/report"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRegion = "us-east-1"

	// uploadConcurrency bounds parallel PutObject calls for one run.
	uploadConcurrency = 4
)

// Object metadata attached to every uploaded artifact.
const (
	metaRunID  = "run-id"
	metaRunKey = "run-key"
)

type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	fs     afero.Fs
	keys   keyLayout
	client *s3.Client
}

var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates an uploader that reads run directories from fs.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
	fs afero.Fs,
) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		fs:     fs,
		keys:   newKeyLayout(cfg.Prefix),
		client: newS3Client(cfg),
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.ForcePathStyle,
	}

	if opts.Region == "" {
		opts.Region = defaultRegion
	}

	if cfg.EndpointURL != "" {
		opts.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)
	}

	return s3.New(opts)
}

// Preflight writes and removes an object under the runs prefix. A failed
// removal only warns; the write is what uploads need.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	key := u.keys.writeTest()

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(time.Now().UTC().Format(time.RFC3339)),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing s3://%s/%s: %w", u.cfg.Bucket, key, err)
	}

	if _, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		u.log.WithError(err).WithField("key", key).Warn("Failed to remove write test object")
	}

	return nil
}

// Upload puts every artifact listed in out under the run's key prefix.
func (u *s3Uploader) Upload(ctx context.Context, out *report.Written) error {
	if len(out.Files) == 0 {
		return fmt.Errorf("run directory %s lists no artifacts", out.Name)
	}

	for _, name := range out.Files {
		if !report.IsArtifact(name) {
			return fmt.Errorf("refusing to upload %q: not a run artifact", name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for _, name := range out.Files {
		g.Go(func() error {
			return u.putArtifact(gctx, out, name)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("uploading run %s: %w", out.Name, err)
	}

	u.log.WithFields(logrus.Fields{
		"run_id": out.RunID,
		"files":  len(out.Files),
		"prefix": u.keys.runDir(out.Name),
	}).Info("Run report uploaded")

	return nil
}

func (u *s3Uploader) putArtifact(ctx context.Context, out *report.Written, name string) error {
	data, err := afero.ReadFile(u.fs, filepath.Join(out.Dir, name))
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}

	key := u.keys.artifact(out.Name, name)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(report.ContentType(name)),
		Metadata: map[string]string{
			metaRunID:  strconv.FormatUint(uint64(out.RunID), 10),
			metaRunKey: out.RunKey,
		},
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}

	u.log.WithField("key", key).Debug("Artifact uploaded")

	return nil
}
