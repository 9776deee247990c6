package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/h8rt3rmin8r/faceforge/internal/contenthash"
	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

type S3Options struct {
	EndpointURL        string
	AccessKey          string
	SecretKey          string
	Region             string
	Bucket             string
	UseSSL             bool
	MultipartThreshold int64
}

// S3 stores objects in an S3-compatible bucket as assets/<aa>/<sha256>.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	region   string
	log      *slog.Logger

	mu      sync.Mutex
	ensured bool
}

func NewS3(ctx context.Context, opts S3Options, logger *slog.Logger) (*S3, error) {
	if opts.Bucket == "" || opts.EndpointURL == "" {
		return nil, fmt.Errorf("%w: s3 endpoint and bucket are required", model.ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	endpoint := opts.EndpointURL
	if !strings.Contains(endpoint, "://") {
		scheme := "http://"
		if opts.UseSSL {
			scheme = "https://"
		}
		endpoint = scheme + endpoint
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithRetryMaxAttempts(2),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	partSize := opts.MultipartThreshold
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = 4
	})
	return &S3{client: client, uploader: uploader, bucket: opts.Bucket, region: region, log: logger}, nil
}

func (s *S3) Kind() string   { return model.ProviderS3 }
func (s *S3) Bucket() string { return s.bucket }

func (s *S3) KeyFor(d contenthash.Digest) string {
	return path.Join("assets", d.Shard(), d.String())
}

// Probe checks that the bucket answers.
func (s *S3) Probe(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	err = classifyS3("head bucket", err)
	if errors.Is(err, model.ErrNotFound) {
		// A missing bucket is created on first write.
		return nil
	}
	return err
}

func (s *S3) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		if cerr := classifyS3("head bucket", err); !errors.Is(cerr, model.ErrNotFound) {
			return cerr
		}
		in := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
		if s.region != "us-east-1" {
			in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(s.region),
			}
		}
		if _, err := s.client.CreateBucket(ctx, in); err != nil {
			var owned *types.BucketAlreadyOwnedByYou
			if !errors.As(err, &owned) {
				return classifyS3("create bucket", err)
			}
		}
		s.log.Info("created s3 bucket", "bucket", s.bucket)
	}
	s.ensured = true
	return nil
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return 0, err
	}
	if size, ok, err := s.size(ctx, key); err != nil {
		return 0, err
	} else if ok {
		return size, nil
	}
	cr := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   cr,
	})
	if err != nil {
		return 0, classifyS3("put object", err)
	}
	return cr.n, nil
}

// PutFile uploads a staged file and removes it on success.
func (s *S3) PutFile(ctx context.Context, key, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	n, err := s.Put(ctx, key, f)
	f.Close()
	if err != nil {
		return 0, err
	}
	_ = os.Remove(src)
	return n, nil
}

func (s *S3) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", model.ErrRangeNotSatisfiable)
	}
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
	switch {
	case length > 0:
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	case offset > 0:
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, classifyS3("get object", err)
	}
	return out.Body, nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.size(ctx, key)
	return ok, err
}

func (s *S3) size(ctx context.Context, key string) (int64, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		err = classifyS3("head object", err)
		if errors.Is(err, model.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return aws.ToInt64(out.ContentLength), true, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		err = classifyS3("delete object", err)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// classifyS3 maps SDK errors onto the model taxonomy. Anything that is not a
// definite "missing" or "bad range" answer means the backend cannot serve us.
func classifyS3(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
		noBucket *types.NoSuchBucket
	)
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return fmt.Errorf("s3 %s: %w: %w", op, model.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("s3 %s: %w: %w", op, model.ErrNotFound, err)
		case "InvalidRange":
			return fmt.Errorf("s3 %s: %w: %w", op, model.ErrRangeNotSatisfiable, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("s3 %s: %w: %w", op, model.ErrNotFound, err)
		case http.StatusRequestedRangeNotSatisfiable:
			return fmt.Errorf("s3 %s: %w: %w", op, model.ErrRangeNotSatisfiable, err)
		}
	}
	return fmt.Errorf("s3 %s: %w: %w", op, model.ErrBackendUnavailable, err)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
