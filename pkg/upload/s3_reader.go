package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/querybenchoor/pkg/config"
	"github.com/ethpandaops/querybenchoor/pkg/report"
	"github.com/sirupsen/logrus"
)

// maxArtifactBytes caps what the reader loads into memory for one file.
const maxArtifactBytes = 64 << 20

// S3Reader serves uploaded run artifacts back to the API.
type S3Reader struct {
	log    logrus.FieldLogger
	bucket string
	keys   keyLayout
	client *s3.Client
}

// NewS3Reader creates a reader for the bucket an uploader with the same
// configuration writes to.
func NewS3Reader(log logrus.FieldLogger, cfg *config.S3UploadConfig) *S3Reader {
	return &S3Reader{
		log:    log.WithField("component", "s3-reader"),
		bucket: cfg.Bucket,
		keys:   newKeyLayout(cfg.Prefix),
		client: newS3Client(cfg),
	}
}

// ListRunDirs returns the uploaded run directory names, newest first.
func (r *S3Reader) ListRunDirs(ctx context.Context) ([]string, error) {
	var dirs []string

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.bucket),
		Prefix:    aws.String(r.keys.root),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", r.keys.root, err)
		}

		for _, cp := range page.CommonPrefixes {
			if name := r.keys.dirName(aws.ToString(cp.Prefix)); name != "" {
				dirs = append(dirs, name)
			}
		}
	}

	// Directory names start with the run's unix time.
	slices.Sort(dirs)
	slices.Reverse(dirs)

	return dirs, nil
}

// GetRunArtifact returns an artifact of an uploaded run directory. Names
// that are not run artifacts and missing objects return (nil, nil).
func (r *S3Reader) GetRunArtifact(ctx context.Context, runDir, name string) ([]byte, error) {
	if !report.IsArtifact(name) {
		return nil, nil
	}

	key := r.keys.artifact(runDir, name)

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("fetching %s: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	if len(data) > maxArtifactBytes {
		return nil, fmt.Errorf("artifact %s exceeds %d bytes", key, maxArtifactBytes)
	}

	r.log.WithField("key", key).Debug("Fetched artifact")

	return data, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var re *awshttp.ResponseError

	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
