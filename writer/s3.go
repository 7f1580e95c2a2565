package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "optionflow/config"
	"optionflow/logger"
)

// s3API is the part of the S3 client the store and archive use.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client configures an S3 client from the storage section. Static keys
// are used when present, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3Store keeps the table as one CSV object. ReadAll always fetches the
// object. Writes go through a working copy that Clear resets and ReadAll
// drops, and each write uploads the whole object again.
type S3Store struct {
	client  s3API
	bucket  string
	key     string
	version string
	log     *logger.Log

	mu      sync.Mutex
	working *table
}

// NewS3Store returns a store for s3://bucket/key. version is recorded in the
// object metadata.
func NewS3Store(client s3API, bucket, key, version string) *S3Store {
	return &S3Store{
		client:  client,
		bucket:  bucket,
		key:     key,
		version: version,
		log:     logger.GetLogger(),
	}
}

func (s *S3Store) ReadAll(ctx context.Context) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.working = nil
	return s.fetch(ctx)
}

func (s *S3Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	}); err != nil {
		s.working = nil
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, s.key, err)
	}
	s.working = &table{}
	return nil
}

func (s *S3Store) WriteHeader(ctx context.Context, header []string) error {
	return s.WriteRows(ctx, HeaderRow, [][]string{header})
}

func (s *S3Store) WriteRows(ctx context.Context, start int, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.working
	if base == nil {
		current, err := s.fetch(ctx)
		if err != nil {
			return err
		}
		base = &table{rows: current}
	}

	next := table{rows: base.snapshot()}
	if err := next.setRows(start, rows); err != nil {
		return err
	}
	if err := s.upload(ctx, next.rows); err != nil {
		s.working = nil
		return err
	}
	s.working = &next
	return nil
}

// fetch downloads and decodes the object. A missing object is an empty table.
func (s *S3Store) fetch(ctx context.Context) ([][]string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return decodeTable(bytes.NewReader(data))
}

func (s *S3Store) upload(ctx context.Context, rows [][]string) error {
	data, err := encodeTable(rows)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/csv"),
		Metadata: map[string]string{
			"optionflow-version": s.version,
		},
	}); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, s.key, err)
	}

	s.log.WithComponent("s3_store").WithFields(logger.Fields{
		"bucket": s.bucket,
		"key":    s.key,
		"rows":   len(rows),
		"bytes":  len(data),
	}).Debug("table object uploaded")
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}
