package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3SourceConfig configures the S3 export source.
type S3SourceConfig struct {
	Bucket      string
	Region      string
	EndpointURL string // Optional custom endpoint (for MinIO testing)
}

// S3Source fetches ticketing-system CSV exports from an S3 bucket using the
// default AWS credential chain.
type S3Source struct {
	client *s3.Client
	bucket string
}

func NewS3Source(ctx context.Context, cfg S3SourceConfig) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = true // Required for MinIO compatibility
		},
	}
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}

	return &S3Source{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
	}, nil
}

// Fetch streams the object at key. The caller must close the reader.
func (s *S3Source) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return out.Body, nil
}

// FetchLatest streams the most recent export under prefix. Export files
// carry sortable timestamp names, so the latest is the lexicographically
// last key. Returns the reader and the key it resolved to.
func (s *S3Source) FetchLatest(ctx context.Context, prefix string) (io.ReadCloser, string, error) {
	listOutput, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list objects: %w", err)
	}
	if len(listOutput.Contents) == 0 {
		return nil, "", fmt.Errorf("no objects found in bucket %s with prefix %q", s.bucket, prefix)
	}

	keys := make([]string, 0, len(listOutput.Contents))
	for _, obj := range listOutput.Contents {
		if obj.Key != nil {
			keys = append(keys, *obj.Key)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	latestKey := keys[0]

	body, err := s.Fetch(ctx, latestKey)
	if err != nil {
		return nil, "", err
	}
	return body, latestKey, nil
}
