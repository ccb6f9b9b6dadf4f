package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/23skdu/longbow-distill/internal/config"
)

// S3Mirror uploads checkpoint files to s3://Bucket/Prefix/<name>.
type S3Mirror struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Mirror = (*S3Mirror)(nil)

// NewS3Mirror builds a client from cfg. A custom endpoint switches to
// path-style addressing so MinIO-compatible servers work.
func NewS3Mirror(ctx context.Context, cfg *config.TrainConfig) (*S3Mirror, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("checkpoint: s3 bucket not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3MirrorWithClient(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func NewS3MirrorWithClient(client manager.UploadAPIClient, bucket, prefix string) *S3Mirror {
	return &S3Mirror{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (m *S3Mirror) Key(name string) string {
	return path.Join(m.prefix, name)
}

func (m *S3Mirror) Upload(ctx context.Context, localPath, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	key := m.Key(name)
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", m.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}
