package logstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// s3Store archives log blobs in an S3-compatible bucket.
type s3Store struct {
	log    logrus.FieldLogger
	cfg    *config.S3LogStoreConfig
	client *s3.Client
}

var _ Store = (*s3Store)(nil)

// NewS3 creates an S3-backed log store from the given configuration.
func NewS3(
	log logrus.FieldLogger,
	cfg *config.S3LogStoreConfig,
) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 log store requires a bucket")
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
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
		},
	}

	return &s3Store{
		log:    log.WithField("component", "logstore"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}, nil
}

// Preflight verifies S3 connectivity by writing a small test object.
func (s *s3Store) Preflight(ctx context.Context) error {
	content := fmt.Sprintf(
		"testoor write test: %s", time.Now().UTC().Format(time.RFC3339),
	)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.objectKey(".testoor-write-test")),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w",
			s.cfg.Bucket, err)
	}

	return nil
}

func (s *s3Store) Put(
	ctx context.Context, key string, data []byte,
) (string, error) {
	objectKey := s.objectKey(key)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading log blob: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"key":  objectKey,
		"size": len(data),
	}).Debug("Archived log blob")

	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, objectKey), nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching log blob: %w", err)
	}

	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading log blob: %w", err)
	}

	return data, nil
}

func (s *s3Store) objectKey(key string) string {
	if s.cfg.KeyPrefix == "" {
		return key
	}

	return strings.TrimSuffix(s.cfg.KeyPrefix, "/") + "/" + key
}
