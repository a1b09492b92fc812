package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/strata-project/strata/pkg/pathutil"
)

// S3API is the subset of the S3 client the store calls.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures an S3 or S3-compatible (MinIO) connection.
type S3Options struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store keeps objects in one bucket under an optional key prefix.
//
// Immutable creates rely on conditional writes (If-None-Match: *). Rename is
// copy then delete guarded by a HEAD on the destination, so it is not atomic
// against a concurrent writer of the same destination.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// Connect builds an S3 client from static credentials.
func Connect(opts S3Options) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: opts.Region}, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		if opts.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
		}
		o.UsePathStyle = opts.UsePathStyle
	})
}

// NewS3 returns a store over client.
func NewS3(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) objectKey(key string) (string, error) {
	clean, err := pathutil.CleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return clean, nil
	}
	return path.Join(s.prefix, clean), nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	return s.head(ctx, key, k)
}

func (s *S3Store) head(ctx context.Context, key, objKey string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, ioError("head", key, err)
	}
	return true, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFound(key)
		}
		return nil, ioError("get", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) CreateImmutable(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, key, data, true)
}

func (s *S3Store) Create(ctx context.Context, key string, data []byte, overwrite bool) error {
	return s.put(ctx, key, data, !overwrite)
}

func (s *S3Store) put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	k, err := s.objectKey(key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if ifAbsent {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if ifAbsent && isS3PreconditionFailed(err) {
			return alreadyExists(key)
		}
		return ioError("put", key, err)
	}
	return nil
}

func (s *S3Store) Rename(ctx context.Context, src, dst string) (bool, error) {
	from, err := s.objectKey(src)
	if err != nil {
		return false, err
	}
	to, err := s.objectKey(dst)
	if err != nil {
		return false, err
	}
	if ok, err := s.head(ctx, src, from); err != nil || !ok {
		return false, err
	}
	if ok, err := s.head(ctx, dst, to); err != nil || ok {
		return false, err
	}
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(to),
		CopySource: aws.String(s.bucket + "/" + from),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, ioError("copy", src+" -> "+dst, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(from),
	}); err != nil {
		return false, ioError("delete", src, err)
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) (bool, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return false, err
	}
	if ok, err := s.head(ctx, key, k); err != nil || !ok {
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	}); err != nil {
		return false, ioError("delete", key, err)
	}
	return true, nil
}

func (s *S3Store) List(ctx context.Context, dir string) ([]string, error) {
	k, err := s.objectKey(dir)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if k != "" {
		prefix = k + "/"
	}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	var names []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, ioError("list", dir, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// MkdirAll is a no-op; S3 has no directories.
func (s *S3Store) MkdirAll(ctx context.Context, dir string) error {
	_, err := s.objectKey(dir)
	return err
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

var _ Store = (*S3Store)(nil)
