// Package source opens audit-log inputs: local files or s3:// objects,
// optionally gzip or zstd compressed, decoded as UTF-8 with any leading
// byte-order mark removed.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// S3API is the subset of *s3.Client used here.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures an Opener.
type Options struct {
	Region        string
	Timeout       time.Duration // per S3 call, default 30s
	UploadRetries int           // default 3
}

// Opener resolves source URIs.
type Opener struct {
	opts   Options
	client S3API
}

// NewOpener returns an Opener. client may be nil; an S3 client is then
// created from the default AWS config on first use.
func NewOpener(opts Options, client S3API) *Opener {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UploadRetries <= 0 {
		opts.UploadRetries = 3
	}
	return &Opener{opts: opts, client: client}
}

// ErrNotS3 is returned by ParseS3URI for non-s3 URIs.
var ErrNotS3 = errors.New("not an s3:// URI")

// IsS3 reports whether uri names an S3 object.
func IsS3(uri string) bool {
	return strings.HasPrefix(uri, "s3://")
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !IsS3(uri) {
		return "", "", ErrNotS3
	}
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 URI %q: want s3://bucket/key", uri)
	}
	return bucket, key, nil
}

func (o *Opener) s3Client(ctx context.Context) (S3API, error) {
	if o.client != nil {
		return o.client, nil
	}
	var optFns []func(*awsconfig.LoadOptions) error
	if o.opts.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(o.opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	// Retries are handled here, not by the SDK.
	o.client = s3.NewFromConfig(cfg, func(so *s3.Options) {
		so.RetryMaxAttempts = 1
	})
	return o.client, nil
}

// Open returns a reader over the decoded contents of uri.
func (o *Opener) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	raw, err := o.openRaw(ctx, uri)
	if err != nil {
		return nil, err
	}
	dec, err := decompress(raw, uri)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return &readCloser{
		Reader: transform.NewReader(dec, unicode.BOMOverride(unicode.UTF8.NewDecoder())),
		close:  dec.Close,
	}, nil
}

func (o *Opener) openRaw(ctx context.Context, uri string) (io.ReadCloser, error) {
	if !IsS3(uri) {
		f, err := os.Open(uri)
		if err != nil {
			return nil, fmt.Errorf("opening source: %w", err)
		}
		return f, nil
	}

	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	client, err := o.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", uri, err)
	}
	return out.Body, nil
}

// Compression returns "gzip", "zstd" or "" for the name's extension.
func Compression(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".gz", ".gzip":
		return "gzip"
	case ".zst", ".zstd":
		return "zstd"
	}
	return ""
}

func decompress(r io.ReadCloser, name string) (io.ReadCloser, error) {
	switch Compression(name) {
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return &readCloser{Reader: zr, close: func() error {
			zr.Close()
			return r.Close()
		}}, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return &readCloser{Reader: zr, close: func() error {
			zr.Close()
			return r.Close()
		}}, nil
	}
	return r, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc *readCloser) Close() error { return rc.close() }

// Upload copies the local file at localPath to the s3:// URI dst, retrying
// with a doubling backoff capped at 2s.
func (o *Opener) Upload(ctx context.Context, dst, localPath string) error {
	bucket, key, err := ParseS3URI(dst)
	if err != nil {
		return err
	}
	if strings.HasSuffix(key, "/") {
		key += path.Base(localPath)
	}
	client, err := o.s3Client(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= o.opts.UploadRetries; attempt++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		pctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
		_, err := client.PutObject(pctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == o.opts.UploadRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}
	return fmt.Errorf("uploading to %s after %d attempts: %w", dst, o.opts.UploadRetries, lastErr)
}
