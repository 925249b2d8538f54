package main

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gearsrt/runtime/internal/config"
	"github.com/gearsrt/runtime/internal/registry"
)

// buildArchiver constructs the optional S3 source archiver. Returns a nil
// SourceArchiver, not an error, when archival is disabled.
func buildArchiver(ctx context.Context, cfg *config.Config) (registry.SourceArchiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg)
	return registry.NewS3Archiver(client, cfg.Archive.Bucket, cfg.Archive.Prefix), nil
}
