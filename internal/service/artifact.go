// Package service holds the orchestrator's outward-facing integrations.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/scenerunr/api/internal/config"
	"github.com/scenerunr/api/internal/types"
)

// contentTypes maps output formats to the Content-Type stamped on
// published artifacts
var contentTypes = map[string]string{
	"mp4": "video/mp4",
	"gif": "image/gif",
}

// stampLayout is the UTC upload time embedded in object keys and
// repeated in the timestamp tag
const stampLayout = "20060102T150405Z"

// s3API is the subset of the S3 client the artifact service uses
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// ArtifactService publishes rendered media to S3-compatible object
// storage and hands back the stable reference recorded on the job.
type ArtifactService struct {
	client s3API
	cfg    *config.Config
	logger *logrus.Logger
}

// NewArtifactService creates a new artifact service
func NewArtifactService(client s3API, cfg *config.Config, logger *logrus.Logger) *ArtifactService {
	return &ArtifactService{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// NewS3Client builds the S3 client from service configuration. A custom
// endpoint plus path-style addressing covers S3-compatible stores.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKeyID,
			cfg.S3SecretAccessKey,
			"",
		)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage credentials: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.S3ForcePathStyle
		},
	}
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Publish uploads the rendered file under its hierarchical key with the
// caller metadata and the upload timestamp attached as object tags.
func (s *ArtifactService) Publish(ctx context.Context, localPath string, job types.RenderJob, format string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open rendered file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat rendered file: %w", err)
	}

	stamp := time.Now().UTC().Format(stampLayout)
	key := s.ObjectKey(job, format, stamp)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.S3Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(format)),
		Tagging:       aws.String(objectTags(job.Metadata, stamp)),
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload artifact %s: %w", key, err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_id": job.JobID,
		"key":    key,
		"size":   info.Size(),
	}).Info("Artifact published")

	return "s3://" + s.cfg.S3Bucket + "/" + key, nil
}

// ObjectKey builds the storage key for a job's artifact stamped with
// the given upload time. Unset metadata segments collapse to
// "unassigned" so keys keep a uniform depth.
func (s *ArtifactService) ObjectKey(job types.RenderJob, format, stamp string) string {
	name := fmt.Sprintf("render-%s-%s.%s", job.JobID, stamp, format)
	return path.Join(
		keySegment(job.Metadata.TenantID),
		keySegment(job.Metadata.ClassroomID),
		keySegment(job.Metadata.SubjectID),
		keySegment(job.Metadata.SessionID),
		name,
	)
}

// EnsureBucket creates the artifact bucket if it does not exist yet
func (s *ArtifactService) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.S3Bucket)})
	if err == nil {
		return nil
	}
	if !bucketMissing(err) {
		return fmt.Errorf("failed to check bucket %s: %w", s.cfg.S3Bucket, err)
	}

	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.cfg.S3Bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.cfg.S3Bucket, err)
	}

	s.logger.Infof("Created artifact bucket %s", s.cfg.S3Bucket)
	return nil
}

// bucketMissing reports whether err means the bucket does not exist
func bucketMissing(err error) bool {
	var notFound *s3types.NotFound
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return true
		}
	}

	return strings.Contains(err.Error(), "404")
}

func contentType(format string) string {
	if ct, ok := contentTypes[format]; ok {
		return ct
	}
	return "application/octet-stream"
}

// keySegment makes a metadata value safe to use as one key segment
func keySegment(v string) string {
	if v == "" {
		return "unassigned"
	}
	return strings.ReplaceAll(v, "/", "-")
}

// objectTags encodes the artifact type, the upload timestamp and the
// caller metadata as the object's tag set
func objectTags(md types.JobMetadata, stamp string) string {
	tags := url.Values{}
	tags.Set("type", "render")
	tags.Set("timestamp", stamp)
	if md.TenantID != "" {
		tags.Set("tenant_id", md.TenantID)
	}
	if md.ClassroomID != "" {
		tags.Set("classroom_id", md.ClassroomID)
	}
	if md.SubjectID != "" {
		tags.Set("subject_id", md.SubjectID)
	}
	if md.SessionID != "" {
		tags.Set("session_id", md.SessionID)
	}
	return tags.Encode()
}
