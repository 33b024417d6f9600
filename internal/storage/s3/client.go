package s3

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

// newClient builds the SDK client and, when enabled, the CargoShip
// transporter for bucket.
func newClient(ctx context.Context, bucket string, cfg *Config, logger *slog.Logger) (*s3.Client, *cargoships3.Transporter, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
		// S3-compatible stores frequently reject the default trailing checksums
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	var transporter *cargoships3.Transporter
	if cfg.UseTransporter {
		transporter = cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:             bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: cfg.MultipartThreshold,
			MultipartChunkSize: cfg.MultipartChunkSize,
			Concurrency:        cfg.Concurrency,
		})
		logger.Info("CargoShip transporter enabled",
			"multipart_threshold", cfg.MultipartThreshold,
			"chunk_size", cfg.MultipartChunkSize,
			"concurrency", cfg.Concurrency)
	}

	return client, transporter, nil
}
