package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// WithEnv applies environment variable overrides using the provided prefix.
//
// Migration:
//   NODE_ID - Destination node identity (required)
//   CHECKSUM_ALGORITHM - Digest for rewritten metadata (default: "MD5")
//   LIMIT - Stop after this many accepted identifiers (default: whole catalog)
//   WORKERS - Chains replayed concurrently (default: 4)
//   IDENTIFIER - Replay exactly this identifier instead of the catalog
//
// Nodes (one URL each):
//   SOURCE_URL - Legacy node being migrated; also the catalog and fallback source
//   AUTHORITY_URL - Preferred object source (optional)
//   CATALOG_URL - Catalog override (optional)
//   DESTINATION_URL - Node receiving the replayed lineage
//
//   URL forms:
//     - "memory://" - In-memory node
//     - "file:///path/to/data" - Filesystem node
//     - "s3://bucket/prefix?region=us-east-1&endpoint=http://localhost:9000&path_style=true"
//     - "https://host/base" - REST node; <ROLE>_CERT and <ROLE>_KEY select a client certificate
//
// Ledger:
//   DATABASE_URL - "memory", "postgresql://..." or empty to disable the ledger
//   DB_SCHEMA - Postgres schema (default: "migrate")
//
// Audit:
//   AUDIT_LOG - Path of the append-only audit log
func WithEnv(prefix string) Option {
	return func(c *Config) error {
		if v, ok := lookupEnv(prefix, "NODE_ID"); ok && v != "" {
			c.NodeID = v
		}
		if v, ok := lookupEnv(prefix, "CHECKSUM_ALGORITHM"); ok && v != "" {
			c.ChecksumAlgorithm = v
		}
		if v, ok, err := parseIntEnv(prefix, "LIMIT"); err != nil {
			return err
		} else if ok {
			c.Limit = v
		}
		if v, ok, err := parseIntEnv(prefix, "WORKERS"); err != nil {
			return err
		} else if ok {
			c.Workers = v
		}
		if v, ok := lookupEnv(prefix, "IDENTIFIER"); ok && v != "" {
			c.Identifier = v
		}
		if v, ok := lookupEnv(prefix, "AUDIT_LOG"); ok && v != "" {
			c.AuditLog = v
		}

		if err := applyNodeEnv(prefix, c); err != nil {
			return err
		}

		return applyDatabaseEnv(prefix, c)
	}
}

func applyNodeEnv(prefix string, c *Config) error {
	roles := []struct {
		key  string
		name string
		set  func(NodeConfig)
	}{
		{"SOURCE", "source", func(n NodeConfig) { c.Source = n }},
		{"DESTINATION", "destination", func(n NodeConfig) { c.Destination = n }},
		{"AUTHORITY", "authority", func(n NodeConfig) { c.Authority = &n }},
		{"CATALOG", "catalog", func(n NodeConfig) { c.Catalog = &n }},
	}

	for _, role := range roles {
		raw, ok := lookupEnv(prefix, role.key+"_URL")
		if !ok || raw == "" {
			continue
		}
		node, err := ParseNodeURL(role.name, raw)
		if err != nil {
			return fmt.Errorf("invalid %s%s_URL: %w", prefix, role.key, err)
		}
		if node.Type == NodeTypeREST {
			if v, ok := lookupEnv(prefix, role.key+"_CERT"); ok && v != "" {
				node.Config["cert_file"] = v
			}
			if v, ok := lookupEnv(prefix, role.key+"_KEY"); ok && v != "" {
				node.Config["key_file"] = v
			}
		}
		if node.Type == NodeTypeS3 {
			applyAWSEnv(node.Config)
		}
		role.set(node)
	}
	return nil
}

// applyDatabaseEnv applies ledger configuration from environment
func applyDatabaseEnv(prefix string, c *Config) error {
	if v, ok := lookupEnv(prefix, "DB_SCHEMA"); ok && v != "" {
		c.DBSchema = v
	}

	dbURL, hasURL := lookupEnv(prefix, "DATABASE_URL")
	switch {
	case !hasURL || dbURL == "":
		return nil
	case dbURL == "memory":
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", dbURL)
	}
	return nil
}

// ParseNodeURL maps a node URL to a NodeConfig named name.
func ParseNodeURL(name, raw string) (NodeConfig, error) {
	node := NodeConfig{Name: name, Config: map[string]interface{}{}}

	if raw == "memory" || raw == "memory://" {
		node.Type = NodeTypeMemory
		return node, nil
	}

	// file:// paths may be relative, so they skip url.Parse
	if path, ok := strings.CutPrefix(raw, "file://"); ok {
		if path == "" {
			return node, fmt.Errorf("filesystem path cannot be empty")
		}
		node.Type = NodeTypeFS
		node.Config["base_dir"] = path
		return node, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return node, err
	}

	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return node, fmt.Errorf("S3 bucket name cannot be empty")
		}
		node.Type = NodeTypeS3
		node.Config["bucket"] = u.Host
		if prefix := strings.TrimPrefix(u.Path, "/"); prefix != "" {
			if !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			node.Config["prefix"] = prefix
		}
		q := u.Query()
		if v := q.Get("region"); v != "" {
			node.Config["region"] = v
		}
		if v := q.Get("endpoint"); v != "" {
			node.Config["endpoint"] = v
		}
		if v := q.Get("path_style"); v != "" {
			node.Config["use_path_style"] = v
		}
		if v := q.Get("create_bucket"); v != "" {
			node.Config["create_bucket_if_not_exist"] = v
		}
		return node, nil

	case "http", "https":
		node.Type = NodeTypeREST
		node.Config["base_url"] = strings.TrimSuffix(raw, "/")
		return node, nil
	}

	return node, fmt.Errorf("unsupported node URL: %s (use 'memory://', 'file://...', 's3://...' or 'https://...')", raw)
}

func applyAWSEnv(config map[string]interface{}) {
	if accessKey, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok && accessKey != "" {
		config["access_key_id"] = accessKey
	}
	if secretKey, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok && secretKey != "" {
		config["secret_access_key"] = secretKey
	}
	if _, set := config["region"]; !set {
		if region, ok := os.LookupEnv("AWS_REGION"); ok && region != "" {
			config["region"] = region
		}
	}
}

func lookupEnv(prefix, key string) (string, bool) {
	return os.LookupEnv(prefix + key)
}

func parseIntEnv(prefix, key string) (int, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid integer for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}
