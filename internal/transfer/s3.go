package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, for MinIO-style providers.
	Endpoint     string
	UsePathStyle bool
}

type S3Transferer struct {
	client *s3.Client
	log    *zap.Logger
}

func NewS3(ctx context.Context, cfg S3Config, log *zap.Logger) (*S3Transferer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Transferer{client: client, log: log.Named("s3")}, nil
}

func (t *S3Transferer) Upload(ctx context.Context, localPath string, remote RemoteRef) error {
	if err := checkBackend(remote, BackendS3); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(remote.Location),
		Key:    aws.String(remote.Path),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", remote, err)
	}
	t.log.Debug("uploaded", zap.String("local", localPath), zap.String("remote", remote.String()))
	return nil
}

func (t *S3Transferer) Download(ctx context.Context, remote RemoteRef, localPath string) error {
	if err := checkBackend(remote, BackendS3); err != nil {
		return err
	}
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(remote.Location),
		Key:    aws.String(remote.Path),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", remote, err)
	}
	defer out.Body.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", localPath, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}
	return nil
}

func (t *S3Transferer) List(ctx context.Context, remote RemoteRef) ([]Entry, error) {
	if err := checkBackend(remote, BackendS3); err != nil {
		return nil, err
	}
	var entries []Entry
	paginator := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(remote.Location),
		Prefix: aws.String(remote.Path),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", remote, err)
		}
		for _, obj := range page.Contents {
			entries = append(entries, Entry{Path: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}
	return entries, nil
}
