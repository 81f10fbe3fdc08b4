package data

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkgharvest/cmd/harvester/internal/domain"
)

// ArchiveConfig 代快照归档配置，Endpoint 为空时不归档
type ArchiveConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// MinioArchive 将退役代的 NDJSON 快照写入对象存储
type MinioArchive struct {
	client *minio.Client
	bucket string
	log    *log.Helper
}

// NewSnapshotArchive 未配置时返回 nil，版本管理器跳过归档
func NewSnapshotArchive(c *Config, logger log.Logger) (domain.SnapshotArchive, error) {
	if c.Archive.Endpoint == "" {
		return nil, nil
	}
	a, err := NewMinioArchive(&c.Archive, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// NewMinioArchive 创建归档并确保 bucket 存在
func NewMinioArchive(c *ArchiveConfig, logger log.Logger) (*MinioArchive, error) {
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKeyID, c.SecretAccessKey, ""),
		Secure: c.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	a := &MinioArchive{
		client: client,
		bucket: c.BucketName,
		log:    log.NewHelper(log.With(logger, "module", "data/archive")),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	return a, nil
}

func (a *MinioArchive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
}

// Archive 流式上传，大小未知时 minio 以分片方式上传
func (a *MinioArchive) Archive(ctx context.Context, object string, r io.Reader) error {
	info, err := a.client.PutObject(ctx, a.bucket, object, r, -1, minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
		UserMetadata: map[string]string{
			"archived-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", object, err)
	}
	a.log.Infof("archived %s/%s (%d bytes)", a.bucket, object, info.Size)
	return nil
}
