package corpus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultRegion = "us-east-1"

// S3Config points the sink at a bucket. Endpoint is only needed for
// S3-compatible stores such as MinIO; it switches to path-style addressing.
type S3Config struct {
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Sink uploads corpus images and a JSON sidecar per image to a bucket.
type S3Sink struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Sink builds the client from cfg without reading the shared AWS config
// files; credentials come from cfg or are anonymous.
func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}

	awsCfg := aws.Config{Region: cfg.Region}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		awsCfg.Credentials = aws.AnonymousCredentials{}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &S3Sink{
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = manager.MinUploadPartSize
		}),
	}, nil
}

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) key(label, name string) string {
	if s.prefix == "" {
		return path.Join(label, name)
	}
	return path.Join(s.prefix, label, name)
}

func (s *S3Sink) Put(ctx context.Context, it Item) (string, error) {
	if err := it.validate(); err != nil {
		return "", err
	}

	key := s.key(it.Label, it.SampleID+extension(it.ContentType))
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(it.Image),
		ContentType: aws.String(it.ContentType),
		Metadata: map[string]string{
			"sample-id":     it.SampleID,
			"submission-id": it.SubmissionID,
			"label":         it.Label,
		},
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	uri := "s3://" + s.bucket + "/" + key
	sidecar, err := json.Marshal(it.record(uri))
	if err != nil {
		return "", fmt.Errorf("encoding sidecar: %w", err)
	}
	sidecarKey := s.key(it.Label, it.SampleID+".json")
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(sidecarKey),
		Body:        bytes.NewReader(sidecar),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", sidecarKey, err)
	}
	return uri, nil
}
