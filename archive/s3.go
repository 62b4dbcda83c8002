// Package archive persists history entries evicted by the retention policy
// to long-term storage, so that compaction never destroys data for good.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/hydronix-io/shadowd/core/logger"
	"github.com/hydronix-io/shadowd/shadow"
)

// S3Archiver writes evicted history entries to an S3 bucket. Each batch
// becomes one JSON object under
//
//	<prefix><device_id>/<first_timestamp>.json
//
// Timestamps are RFC 3339 in UTC, so objects list in chronological order.
type S3Archiver struct {
	config aws.Config
	bucket string
	prefix string
}

// S3Configuration is the S3 archive configuration.
type S3Configuration struct {
	AWSBucketName string `env:"ARCHIVE_S3_BUCKET"`
	AWSRegion     string `env:"ARCHIVE_S3_REGION"`
	AccessID      string `env:"ARCHIVE_S3_ACCESS_ID"`
	AccessKey     string `env:"ARCHIVE_S3_ACCESS_KEY"`
	KeyPrefix     string `env:"ARCHIVE_S3_KEY_PREFIX,default=history/"`
}

// NewS3Archiver returns a new S3 archiver.
func NewS3Archiver(archiveConfig S3Configuration) (*S3Archiver, error) {
	if archiveConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	config, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(archiveConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(archiveConfig.AccessID, archiveConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 history archive enabled")
	return &S3Archiver{config, archiveConfig.AWSBucketName, archiveConfig.KeyPrefix}, nil
}

// Archive uploads a batch of evicted history entries. Entries arrive in
// chronological order; the oldest timestamp names the object.
func (a *S3Archiver) Archive(ctx context.Context, deviceID string, evicted []shadow.HistoryEntry) error {
	if len(evicted) == 0 {
		return nil
	}
	data, err := json.Marshal(evicted)
	if err != nil {
		return err
	}
	key := a.prefix + deviceID + "/" + evicted[0].Timestamp.UTC().Format(time.RFC3339) + ".json"

	uploader := manager.NewUploader(s3.NewFromConfig(a.config))
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		logger.FromContext(ctx).Error("Could not upload ", key)
		return err
	}
	logger.FromContext(ctx).Infoln("Archived ", key)
	return nil
}
