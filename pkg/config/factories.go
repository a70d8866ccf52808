package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittoblock/internal/logger"
	proto "github.com/marmos91/dittoblock/internal/protocol/nbd"
	"github.com/marmos91/dittoblock/pkg/adapter"
	"github.com/marmos91/dittoblock/pkg/adapter/nbd"
	"github.com/marmos91/dittoblock/pkg/backend"
	backendBadger "github.com/marmos91/dittoblock/pkg/backend/badger"
	backendFile "github.com/marmos91/dittoblock/pkg/backend/file"
	backendMemory "github.com/marmos91/dittoblock/pkg/backend/memory"
	backendS3 "github.com/marmos91/dittoblock/pkg/backend/s3"
	"github.com/marmos91/dittoblock/pkg/registry"
	"github.com/mitchellh/mapstructure"
)

// CreateBackend creates a storage backend based on configuration.
//
// This factory function uses the Type field to determine which backend
// implementation to create, then decodes the type-specific configuration from
// the corresponding map and passes it to the backend's constructor.
//
// Supported types:
//   - "memory": Uses pkg/backend/memory (in-memory storage, ephemeral)
//   - "file": Uses pkg/backend/file (local file or raw device)
//   - "badger": Uses pkg/backend/badger (BadgerDB storage, persistent)
//   - "s3": Uses pkg/backend/s3 (Amazon S3 or compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Backend configuration
//
// Returns:
//   - backend.Backend: Initialized backend
//   - error: Configuration or initialization error
func CreateBackend(ctx context.Context, cfg *BackendConfig) (backend.Backend, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryBackend(ctx, cfg.Memory)
	case "file":
		return createFileBackend(ctx, cfg.File)
	case "badger":
		return createBadgerBackend(ctx, cfg.Badger)
	case "s3":
		return createS3Backend(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backend type: %q (supported: memory, file, badger, s3)", cfg.Type)
	}
}

// createMemoryBackend creates an in-memory backend.
func createMemoryBackend(ctx context.Context, options map[string]any) (backend.Backend, error) {
	type MemoryBackendOptions struct {
		Size int64 `mapstructure:"size"`
	}

	var opts MemoryBackendOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode memory backend options: %w", err)
	}

	if opts.Size <= 0 {
		return nil, fmt.Errorf("memory backend: size is required")
	}

	return backendMemory.NewMemoryBackend(ctx, opts.Size)
}

// createFileBackend creates a backend over a local file or raw device.
func createFileBackend(ctx context.Context, options map[string]any) (backend.Backend, error) {
	type FileBackendOptions struct {
		Path string `mapstructure:"path"`
		Size int64  `mapstructure:"size"`
	}

	var opts FileBackendOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode file backend options: %w", err)
	}

	if opts.Path == "" {
		return nil, fmt.Errorf("file backend: path is required")
	}

	store, err := backendFile.NewFileBackend(ctx, opts.Path, opts.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create file backend: %w", err)
	}

	return store, nil
}

// createBadgerBackend creates a BadgerDB-based persistent backend.
func createBadgerBackend(ctx context.Context, options map[string]any) (backend.Backend, error) {
	type BadgerBackendOptions struct {
		DBPath     string `mapstructure:"db_path"`
		Size       int64  `mapstructure:"size"`
		SyncWrites bool   `mapstructure:"sync_writes"`
	}

	var opts BadgerBackendOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode badger backend options: %w", err)
	}

	if opts.DBPath == "" {
		return nil, fmt.Errorf("badger backend: db_path is required")
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("badger backend: size is required")
	}

	store, err := backendBadger.NewBadgerBackend(ctx, backendBadger.BadgerBackendConfig{
		DBPath:     opts.DBPath,
		Size:       opts.Size,
		SyncWrites: opts.SyncWrites,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger backend: %w", err)
	}

	return store, nil
}

// createS3Backend creates an S3-based backend.
func createS3Backend(ctx context.Context, options map[string]any) (backend.Backend, error) {
	type S3BackendOptions struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Device          string `mapstructure:"device"`
		Size            int64  `mapstructure:"size"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var opts S3BackendOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode S3 backend options: %w", err)
	}

	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 backend: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("S3 backend: region is required")
	}
	if opts.Device == "" {
		return nil, fmt.Errorf("S3 backend: device is required")
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("S3 backend: size is required")
	}

	client, err := newS3Client(ctx, opts.Region, opts.Endpoint,
		opts.AccessKeyID, opts.SecretAccessKey, opts.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	store, err := backendS3.NewS3Backend(ctx, backendS3.S3BackendConfig{
		Client:    client,
		Bucket:    opts.Bucket,
		KeyPrefix: opts.KeyPrefix,
		Device:    opts.Device,
		Size:      opts.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 backend: %w", err)
	}

	logger.Info("S3 backend initialized: bucket=%s, region=%s, device=%s",
		opts.Bucket, opts.Region, opts.Device)

	return store, nil
}

// newS3Client builds an S3 client from explicit settings.
//
// An empty endpoint uses the AWS default; a custom endpoint (MinIO,
// Localstack) switches to path-style addressing. Empty credentials fall back
// to the default AWS credential chain.
func newS3Client(ctx context.Context, region, endpoint, accessKeyID, secretAccessKey string, maxRetries int) (*s3.Client, error) {
	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"", // session token (empty for static credentials)
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	// Retry transient errors (502, 503, timeouts) more aggressively than
	// the AWS default of 3 attempts
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	cfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return client, nil
}

// InitializeRegistry creates a fully configured Registry from the provided
// configuration.
//
// This function orchestrates the complete initialization process:
//  1. Creates all backends from cfg.Backends
//  2. Creates an export on top of each configured backend
//  3. Publishes each export under its configured name
//
// Each export holds its own reference to its backend; closing an export
// closes the backend through the export's close callback.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: Complete configuration loaded from config file
//
// Returns:
//   - *registry.Registry: Fully initialized registry
//   - error: If backend creation fails or export publication fails
func InitializeRegistry(ctx context.Context, cfg *Config) (*registry.Registry, error) {
	logger.Debug("Initializing registry from configuration")

	reg := registry.NewRegistry()

	backends := make(map[string]backend.Backend)
	for i := range cfg.Backends {
		backendCfg := &cfg.Backends[i]
		logger.Debug("Creating backend %q (type: %s)", backendCfg.Name, backendCfg.Type)

		store, err := CreateBackend(ctx, backendCfg)
		if err != nil {
			closeBackends(backends)
			return nil, fmt.Errorf("failed to create backend %q: %w", backendCfg.Name, err)
		}

		backends[backendCfg.Name] = store
	}

	for i := range cfg.Exports {
		exportCfg := &cfg.Exports[i]

		if err := publishExport(ctx, reg, exportCfg, backends[exportCfg.Backend]); err != nil {
			reg.CloseAll()
			closeBackends(backends)
			return nil, fmt.Errorf("failed to publish export %q: %w", exportCfg.Name, err)
		}

		// The export now owns the backend's lifetime
		delete(backends, exportCfg.Backend)

		logger.Info("Export %q published (backend: %s, read_only: %v)",
			exportCfg.Name, exportCfg.Backend, exportCfg.ReadOnly)
	}

	// Backends no export referenced would leak; validation prevents this
	// for well-formed configs, but close defensively anyway.
	closeBackends(backends)

	return reg, nil
}

// publishExport wraps a backend in an export and publishes it by name.
func publishExport(ctx context.Context, reg *registry.Registry, cfg *ExportConfig, store backend.Backend) error {
	var flags uint16
	if cfg.ReadOnly {
		flags |= proto.FlagReadOnly
	}

	size := cfg.Size
	if size == 0 {
		// Derive from the backend
		size = -1
	}

	exp, err := reg.NewExport(ctx, registry.ExportConfig{
		Backend:   store,
		DevOffset: cfg.DevOffset,
		Size:      size,
		Flags:     flags,
		OnClose: func() {
			if err := store.Close(); err != nil {
				logger.Warn("Error closing backend for export %q: %v", cfg.Name, err)
			}
		},
	})
	if err != nil {
		return err
	}

	if err := reg.SetName(exp, cfg.Name); err != nil {
		exp.Put()
		return err
	}

	// The registry keeps its own reference
	exp.Put()

	return nil
}

// closeBackends closes any backends left without an owning export.
func closeBackends(backends map[string]backend.Backend) {
	for name, store := range backends {
		if err := store.Close(); err != nil {
			logger.Warn("Error closing backend %q: %v", name, err)
		}
	}
}

// CreateAdapters creates all enabled protocol adapters from the configuration.
//
// This factory function centralizes adapter creation logic and makes it easy
// to add new protocol adapters.
//
// Parameters:
//   - cfg: The complete DittoBlock configuration
//
// Returns:
//   - []adapter.Adapter: List of enabled adapters ready to serve
//   - error: Any error during adapter creation
func CreateAdapters(cfg *Config) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	if cfg.Adapters.NBD.Enabled {
		adapters = append(adapters, nbd.New(cfg.Adapters.NBD))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}
