// Package export writes finished job artifacts to local disk or S3.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"scene-pipeline/internal/config"
	"scene-pipeline/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter serializes completed jobs and hands them to an uploader.
type Exporter struct {
	local  uploader
	s3     uploader
	logger zerolog.Logger
}

// New constructs the exporter. S3 is used only when EXPORT_BUCKET is set;
// the local directory uploader is always available as a fallback.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Exporter, error) {
	baseDir := cfg.ExportDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload uploader
	if cfg.ExportBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ExportBucket}
	}

	return &Exporter{
		local:  &localUploader{baseDir: baseDir},
		s3:     s3Upload,
		logger: logger.With().Str("component", "export").Logger(),
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ExportRegion),
	}
	if cfg.ExportEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ExportEndpoint,
					HostnameImmutable: cfg.ExportPathStyle,
					SigningRegion:     cfg.ExportRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ExportPathStyle
	}), nil
}

// Artifact is the on-disk/object shape of an exported job.
type Artifact struct {
	Job        models.Job `json:"job"`
	SceneCount int        `json:"scene_count"`
	Format     string     `json:"format"`
}

// ExportJob writes a job's scene script as a JSON artifact and returns its
// location. Only completed and partial jobs carry scenes worth exporting.
func (e *Exporter) ExportJob(ctx context.Context, job models.Job) (string, error) {
	if len(job.Scenes) == 0 {
		return "", errors.New("job has no scenes to export")
	}

	artifact := Artifact{Job: job, SceneCount: len(job.Scenes), Format: "scene-script/v1"}
	body, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}

	key := sanitizeKey(fmt.Sprintf("%s/%s.json", job.Status, job.ID))
	up := e.pickUploader()
	location, err := up.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	e.logger.Info().Str("job_id", job.ID).Str("location", location).Int("scenes", artifact.SceneCount).Msg("job exported")
	return location, nil
}

func (e *Exporter) pickUploader() uploader {
	if e.s3 != nil {
		return e.s3
	}
	return e.local
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
