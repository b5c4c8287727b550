package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/audit"
	fsnode "github.com/tendant/simple-migrate/pkg/simplemigrate/node/fs"
	memorynode "github.com/tendant/simple-migrate/pkg/simplemigrate/node/memory"
	restnode "github.com/tendant/simple-migrate/pkg/simplemigrate/node/rest"
	s3node "github.com/tendant/simple-migrate/pkg/simplemigrate/node/s3"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/repo/memory"
	repopg "github.com/tendant/simple-migrate/pkg/simplemigrate/repo/postgres"
)

// Node types selectable through NodeConfig.Type.
const (
	NodeTypeMemory = "memory"
	NodeTypeFS     = "fs"
	NodeTypeS3     = "s3"
	NodeTypeREST   = "rest"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Load constructs a Config by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		ChecksumAlgorithm: string(simplemigrate.ChecksumMD5),
		Workers:           simplemigrate.DefaultWorkers,
		DatabaseType:      "none",
		DBSchema:          "migrate",
		Source:            NodeConfig{Name: "source", Type: NodeTypeMemory},
		Destination:       NodeConfig{Name: "destination", Type: NodeTypeMemory},
	}
}

// Config represents the configuration of one migration
type Config struct {
	// Destination node identity written into origin/authoritative member node
	NodeID            string
	ChecksumAlgorithm string
	Limit             int    // 0 consumes the whole catalog
	Workers           int
	Identifier        string // replay exactly this identifier instead of the catalog

	// Catalog lists the identifiers to migrate; when unset the source node's catalog is used
	Catalog *NodeConfig
	// Authority is the preferred object source; when unset the source node is the only source
	Authority *NodeConfig
	// Source is the legacy node being migrated
	Source      NodeConfig
	Destination NodeConfig

	// Ledger configuration
	DatabaseURL  string
	DatabaseType string // "none", "memory", "postgres"
	DBSchema     string // Postgres schema to use (default: migrate)

	// AuditLog is the path of the append-only audit file; empty disables it
	AuditLog string

	Logger *slog.Logger
}

// NodeConfig represents configuration for one node
type NodeConfig struct {
	Name   string
	Type   string // "memory", "fs", "s3", "rest"
	Config map[string]interface{}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	if _, err := simplemigrate.ParseChecksumAlgorithm(c.ChecksumAlgorithm); err != nil {
		return err
	}
	if c.Limit < 0 {
		return errors.New("limit cannot be negative")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}

	switch c.DatabaseType {
	case "none", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database_url is required when using postgres")
		}
	default:
		return errors.New("database_type must be 'none', 'memory' or 'postgres'")
	}

	nodes := map[string]*NodeConfig{"source": &c.Source, "destination": &c.Destination}
	if c.Catalog != nil {
		nodes["catalog"] = c.Catalog
	}
	if c.Authority != nil {
		nodes["authority"] = c.Authority
	}
	for role, node := range nodes {
		if err := node.validate(); err != nil {
			return fmt.Errorf("%s node: %w", role, err)
		}
	}

	return nil
}

func (n *NodeConfig) validate() error {
	switch n.Type {
	case NodeTypeMemory:
	case NodeTypeFS:
		if getString(n.Config, "base_dir", "") == "" {
			return errors.New("base_dir is required")
		}
	case NodeTypeS3:
		if getString(n.Config, "bucket", "") == "" {
			return errors.New("bucket is required")
		}
	case NodeTypeREST:
		if getString(n.Config, "base_url", "") == "" {
			return errors.New("base_url is required")
		}
	default:
		return fmt.Errorf("unsupported node type: %s", n.Type)
	}
	return nil
}

// Components are the pieces built from a Config. Close releases them.
type Components struct {
	Service     simplemigrate.Service
	Transformer *simplemigrate.Transformer
	Source      simplemigrate.Node
	Destination simplemigrate.Node
	// Repository is nil when the ledger is disabled
	Repository simplemigrate.Repository

	closers []func() error
}

// Close releases the database pool and the audit file.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build creates the nodes, the ledger, the audit sinks and the Service.
// Extra options are applied last and override the configured ones.
func (c *Config) Build(ctx context.Context, extra ...simplemigrate.Option) (*Components, error) {
	comps := &Components{}
	ok := false
	defer func() {
		if !ok {
			_ = comps.Close()
		}
	}()

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	algorithm, err := simplemigrate.ParseChecksumAlgorithm(c.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}
	transformer, err := simplemigrate.NewTransformer(c.NodeID, algorithm)
	if err != nil {
		return nil, err
	}
	comps.Transformer = transformer

	source, err := c.buildNode(c.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to build source node: %w", err)
	}
	comps.Source = source

	dest, err := c.buildNode(c.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to build destination node: %w", err)
	}
	comps.Destination = dest

	options := []simplemigrate.Option{
		simplemigrate.WithDestination(dest),
		simplemigrate.WithTransformer(transformer),
		simplemigrate.WithLimit(c.Limit),
		simplemigrate.WithWorkers(c.Workers),
		simplemigrate.WithLogger(logger),
	}
	if c.Identifier != "" {
		options = append(options, simplemigrate.WithIdentifier(c.Identifier))
	}

	var catalog simplemigrate.CatalogSource = source
	if c.Catalog != nil {
		node, err := c.buildNode(*c.Catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to build catalog node: %w", err)
		}
		catalog = node
	}
	options = append(options, simplemigrate.WithCatalog(catalog))

	if c.Authority != nil {
		authority, err := c.buildNode(*c.Authority)
		if err != nil {
			return nil, fmt.Errorf("failed to build authority node: %w", err)
		}
		options = append(options,
			simplemigrate.WithPrimarySource(authority),
			simplemigrate.WithSecondarySource(source))
	} else {
		options = append(options, simplemigrate.WithPrimarySource(source))
	}

	repo, err := c.buildRepository(ctx, comps)
	if err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	if repo != nil {
		comps.Repository = repo
		options = append(options, simplemigrate.WithRepository(repo))
	}

	options = append(options, simplemigrate.WithAuditSink(simplemigrate.NewLoggingAuditSink(logger)))
	if c.AuditLog != "" {
		sink, err := audit.Open(c.AuditLog)
		if err != nil {
			return nil, err
		}
		comps.closers = append(comps.closers, sink.Close)
		options = append(options, simplemigrate.WithAuditSink(sink))
	}

	svc, err := simplemigrate.New(append(options, extra...)...)
	if err != nil {
		return nil, err
	}
	comps.Service = svc

	ok = true
	return comps, nil
}

// BuildRepository opens the ledger alone, for read-only commands.
func (c *Config) BuildRepository(ctx context.Context) (simplemigrate.Repository, func() error, error) {
	comps := &Components{}
	repo, err := c.buildRepository(ctx, comps)
	if err != nil {
		_ = comps.Close()
		return nil, nil, err
	}
	return repo, comps.Close, nil
}

// buildRepository creates a Repository based on the configuration
func (c *Config) buildRepository(ctx context.Context, comps *Components) (simplemigrate.Repository, error) {
	switch c.DatabaseType {
	case "none":
		return nil, nil
	case "memory":
		return memory.New(), nil
	case "postgres":
		if c.DatabaseURL == "" {
			return nil, errors.New("database_url is required for postgres")
		}
		cfg, err := pgxpool.ParseConfig(c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		name, schema := c.DBSchema, pgx.Identifier{c.DBSchema}.Sanitize()
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if name == "" {
				return nil
			}
			// set search_path for this session
			_, err := conn.Exec(ctx, "SET search_path TO "+schema)
			return err
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		comps.closers = append(comps.closers, func() error { pool.Close(); return nil })
		if name != "" {
			if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
				return nil, fmt.Errorf("failed to create schema %s: %w", schema, err)
			}
		}
		if err := repopg.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		return repopg.NewWithPool(pool), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// PingPostgres verifies connectivity to Postgres.
func PingPostgres(ctx context.Context, databaseURL string) error {
	if databaseURL == "" {
		return errors.New("database_url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	defer pool.Close()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// buildNode creates a Node based on the node configuration
func (c *Config) buildNode(config NodeConfig) (simplemigrate.Node, error) {
	switch config.Type {
	case NodeTypeMemory:
		return memorynode.New(config.Name), nil

	case NodeTypeFS:
		return fsnode.New(fsnode.Config{
			Name:    config.Name,
			BaseDir: getString(config.Config, "base_dir", ""),
		})

	case NodeTypeS3:
		return s3node.New(s3node.Config{
			Name:                   config.Name,
			Region:                 getString(config.Config, "region", "us-east-1"),
			Bucket:                 getString(config.Config, "bucket", ""),
			Prefix:                 getString(config.Config, "prefix", ""),
			AccessKeyID:            getString(config.Config, "access_key_id", ""),
			SecretAccessKey:        getString(config.Config, "secret_access_key", ""),
			Endpoint:               getString(config.Config, "endpoint", ""),
			UsePathStyle:           getBool(config.Config, "use_path_style", false),
			CreateBucketIfNotExist: getBool(config.Config, "create_bucket_if_not_exist", false),
		})

	case NodeTypeREST:
		return restnode.New(restnode.Config{
			Name:               config.Name,
			BaseURL:            getString(config.Config, "base_url", ""),
			CertFile:           getString(config.Config, "cert_file", ""),
			KeyFile:            getString(config.Config, "key_file", ""),
			Timeout:            time.Duration(getInt(config.Config, "timeout_seconds", 0)) * time.Second,
			PageSize:           getInt(config.Config, "page_size", 0),
			InsecureSkipVerify: getBool(config.Config, "insecure_skip_verify", false),
		})

	default:
		return nil, fmt.Errorf("unsupported node type: %s", config.Type)
	}
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b
			}
		}
	}
	return defaultValue
}

func getInt(config map[string]interface{}, key string, defaultValue int) int {
	if value, exists := config[key]; exists {
		if i, ok := value.(int); ok {
			return i
		}
		if str, ok := value.(string); ok {
			if i, err := strconv.Atoi(str); err == nil {
				return i
			}
		}
	}
	return defaultValue
}
