package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	appconfig "marketfeed/config"
	"marketfeed/logger"
	"marketfeed/models"
)

// S3 streams history records from objects stored under a key prefix in an
// S3 bucket. Objects are fetched lazily in key order and decoded row by
// row with the csv layout, so a multi-gigabyte backfill never loads more
// than one row at a time. Object fetches are rate limited to stay inside
// the account's request budget.
type S3 struct {
	meta    models.Meta
	client  *s3.Client
	bucket  string
	keys    []string
	keyIdx  int
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	body    io.ReadCloser
	reader  *csv.Reader
	current models.Record
	err     error
	closed  bool

	log *logger.Entry
}

// NewS3 lists the objects under prefix and prepares a streaming enumerator
// over their concatenated rows.
func NewS3(ctx context.Context, cfg *appconfig.Config, prefix string, meta models.Meta) (*S3, error) {
	log := logger.GetLogger().WithComponent("s3_source").WithFields(logger.Fields{
		"bucket": cfg.Storage.S3.Bucket,
		"prefix": prefix,
	})

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	rps := cfg.Sources.S3.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Sources.S3.Burst
	if burst <= 0 {
		burst = 1
	}

	srcCtx, cancel := context.WithCancel(ctx)
	src := &S3{
		meta:    meta,
		client:  client,
		bucket:  cfg.Storage.S3.Bucket,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		ctx:     srcCtx,
		cancel:  cancel,
		log:     log,
	}

	if err := src.listKeys(prefix); err != nil {
		cancel()
		return nil, err
	}
	if len(src.keys) == 0 {
		log.Warn("no objects found under prefix")
	}
	log.WithFields(logger.Fields{"objects": len(src.keys)}).Info("s3 source initialized")

	return src, nil
}

func (s *S3) listKeys(prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(s.ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects under '%s': %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				s.keys = append(s.keys, *obj.Key)
			}
		}
	}
	return nil
}

func (s *S3) Next() bool {
	if s.err != nil || s.closed {
		return false
	}

	for {
		if s.reader == nil {
			if !s.openNextObject() {
				return false
			}
		}

		row, err := s.reader.Read()
		if err == io.EOF {
			s.closeBody()
			continue
		}
		if err != nil {
			s.err = fmt.Errorf("failed to read row from '%s': %w", s.keys[s.keyIdx-1], err)
			s.current = nil
			return false
		}

		rec, err := s.parseRow(row)
		if err != nil {
			s.err = err
			s.current = nil
			return false
		}
		s.current = rec
		return true
	}
}

// openNextObject fetches the next listed key, honoring the request rate
// limit. It reports false when the listing is exhausted or fetching fails.
func (s *S3) openNextObject() bool {
	if s.keyIdx >= len(s.keys) {
		s.current = nil
		return false
	}
	key := s.keys[s.keyIdx]
	s.keyIdx++

	if err := s.limiter.Wait(s.ctx); err != nil {
		if !s.closed {
			s.err = fmt.Errorf("rate limit wait aborted: %w", err)
		}
		s.current = nil
		return false
	}

	out, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if !s.closed {
			s.err = fmt.Errorf("failed to fetch object '%s': %w", key, err)
		}
		s.current = nil
		return false
	}

	s.log.WithFields(logger.Fields{"key": key}).Debug("streaming object")
	s.body = out.Body
	s.reader = csv.NewReader(out.Body)
	s.reader.ReuseRecord = true
	s.reader.FieldsPerRecord = -1
	return true
}

func (s *S3) parseRow(row []string) (models.Record, error) {
	if s.meta.Resolution == models.ResolutionTick {
		return parseTickRow(row, s.meta)
	}
	return parseBarRow(row, s.meta)
}

func (s *S3) closeBody() {
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
	s.reader = nil
}

func (s *S3) Current() models.Record {
	return s.current
}

func (s *S3) Err() error {
	return s.err
}

func (s *S3) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	s.closeBody()
	s.current = nil
	return nil
}
