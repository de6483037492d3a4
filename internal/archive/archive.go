// Package archive copies settled and cancelled frames to S3-compatible object
// storage for offline analysis. The durable store stays authoritative; an
// archive failure is logged and never blocks the engine.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/frame-engine/internal/config"
	"github.com/atmx/frame-engine/internal/model"
)

// ObjectPutter is the subset of *s3.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes one object per frame under prefix.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// New wraps an existing client.
func New(client ObjectPutter, bucket, prefix string) *Archiver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix}
}

// NewS3 builds an S3 client from cfg. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := withScheme(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

// Key is the object key for a frame.
func (a *Archiver) Key(frameID int64) string {
	return a.prefix + strconv.FormatInt(frameID, 10) + ".json"
}

// Archive uploads f in the same versioned envelope the store uses.
func (a *Archiver) Archive(ctx context.Context, f model.Frame) error {
	body, err := model.Encode(model.KindFrame, f)
	if err != nil {
		return err
	}
	key := a.Key(f.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

// Run archives frames from ch until ctx is done or ch is closed.
func (a *Archiver) Run(ctx context.Context, ch <-chan model.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-ch:
			if !ok {
				return nil
			}
			if err := a.Archive(ctx, f); err != nil {
				slog.Error("frame archive failed", "frame", f.ID, "err", err)
				continue
			}
			slog.Debug("frame archived", "frame", f.ID, "bucket", a.bucket)
		}
	}
}

func withScheme(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}
