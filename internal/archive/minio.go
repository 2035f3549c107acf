// Package archive keeps a snapshot of a file's content in object storage
// before a review overwrites it.
package archive

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const (
	ReasonApprove = "approve"
	ReasonRevert  = "revert"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Snapshot struct {
	Key       string    `json:"key"`
	Reason    string    `json:"reason"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type Store struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// New connects to MinIO and makes sure the bucket exists with versioning
// enabled.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
		logger.Info("snapshot bucket created", zap.String("bucket", opts.Bucket))
	}
	if err := client.EnableVersioning(ctx, opts.Bucket); err != nil {
		return nil, fmt.Errorf("enable versioning on %s: %w", opts.Bucket, err)
	}

	logger.Info("minio archive ready", zap.String("endpoint", opts.Endpoint), zap.String("bucket", opts.Bucket))
	return &Store{client: client, bucket: opts.Bucket, logger: logger}, nil
}

func ObjectKey(fileID, reason string, at time.Time) string {
	return fmt.Sprintf("files/%s/%d-%s.txt", fileID, at.UnixNano(), reason)
}

// parseObjectKey reverses ObjectKey for listing.
func parseObjectKey(key string) (reason string, at time.Time, ok bool) {
	name := key[strings.LastIndex(key, "/")+1:]
	name = strings.TrimSuffix(name, ".txt")
	stamp, reason, found := strings.Cut(name, "-")
	if !found {
		return "", time.Time{}, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return reason, time.Unix(0, nanos).UTC(), true
}

func (s *Store) Put(ctx context.Context, fileID, reason, content string) (string, error) {
	key := ObjectKey(fileID, reason, time.Now())
	_, err := s.client.PutObject(ctx, s.bucket, key, strings.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return key, nil
}

// List returns the snapshots of a file, newest first.
func (s *Store) List(ctx context.Context, fileID string) ([]Snapshot, error) {
	items := make([]Snapshot, 0)
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "files/" + fileID + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list snapshots: %w", object.Err)
		}
		reason, at, ok := parseObjectKey(object.Key)
		if !ok {
			continue
		}
		items = append(items, Snapshot{Key: object.Key, Reason: reason, Size: object.Size, CreatedAt: at})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}
