package config

import (
	"fmt"
	"log/slog"
)

// WithNodeID sets the destination node identity
func WithNodeID(nodeID string) Option {
	return func(c *Config) error {
		if nodeID == "" {
			return fmt.Errorf("node id cannot be empty")
		}
		c.NodeID = nodeID
		return nil
	}
}

// WithChecksumAlgorithm sets the digest used for rewritten metadata
func WithChecksumAlgorithm(name string) Option {
	return func(c *Config) error {
		c.ChecksumAlgorithm = name
		return nil
	}
}

// WithLimit stops the catalog after limit accepted identifiers
func WithLimit(limit int) Option {
	return func(c *Config) error {
		c.Limit = limit
		return nil
	}
}

// WithWorkers sets how many chains are replayed concurrently
func WithWorkers(workers int) Option {
	return func(c *Config) error {
		c.Workers = workers
		return nil
	}
}

// WithIdentifier replays a single identifier instead of the catalog
func WithIdentifier(raw string) Option {
	return func(c *Config) error {
		c.Identifier = raw
		return nil
	}
}

// WithSourceURL sets the legacy node from a node URL
func WithSourceURL(raw string) Option {
	return func(c *Config) error {
		node, err := ParseNodeURL("source", raw)
		if err != nil {
			return err
		}
		c.Source = node
		return nil
	}
}

// WithAuthorityURL sets the preferred object source from a node URL
func WithAuthorityURL(raw string) Option {
	return func(c *Config) error {
		node, err := ParseNodeURL("authority", raw)
		if err != nil {
			return err
		}
		c.Authority = &node
		return nil
	}
}

// WithCatalogURL overrides the catalog node
func WithCatalogURL(raw string) Option {
	return func(c *Config) error {
		node, err := ParseNodeURL("catalog", raw)
		if err != nil {
			return err
		}
		c.Catalog = &node
		return nil
	}
}

// WithDestinationURL sets the destination node from a node URL
func WithDestinationURL(raw string) Option {
	return func(c *Config) error {
		node, err := ParseNodeURL("destination", raw)
		if err != nil {
			return err
		}
		c.Destination = node
		return nil
	}
}

// WithClientCertificate attaches a client certificate to a REST node role
// ("source", "authority", "catalog" or "destination").
func WithClientCertificate(role, certFile, keyFile string) Option {
	return func(c *Config) error {
		var node *NodeConfig
		switch role {
		case "source":
			node = &c.Source
		case "destination":
			node = &c.Destination
		case "authority":
			node = c.Authority
		case "catalog":
			node = c.Catalog
		}
		if node == nil {
			return fmt.Errorf("no %s node configured", role)
		}
		if node.Type != NodeTypeREST {
			return fmt.Errorf("%s node is not a REST node", role)
		}
		node.Config["cert_file"] = certFile
		node.Config["key_file"] = keyFile
		return nil
	}
}

// WithDatabase configures the ledger backend
func WithDatabase(dbType, url string) Option {
	return func(c *Config) error {
		if dbType != "none" && dbType != "memory" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'none', 'memory' or 'postgres', got: %s", dbType)
		}
		if dbType == "postgres" && url == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *Config) error {
		c.DBSchema = schema
		return nil
	}
}

// WithAuditLog appends audit lines to path
func WithAuditLog(path string) Option {
	return func(c *Config) error {
		c.AuditLog = path
		return nil
	}
}

// WithLogger sets the logger handed to the service
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}
