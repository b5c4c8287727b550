package fs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/sysmeta"
)

const (
	objectDir = "object"
	metaDir   = "meta"
	metaExt   = ".xml"
	tmpPrefix = ".tmp-"
)

// Node is a filesystem implementation of the simplemigrate.Node interface.
// Objects live under <base>/object and system metadata documents under
// <base>/meta, one file per identifier with the identifier path-escaped.
type Node struct {
	mu      sync.RWMutex
	name    string
	baseDir string
}

// Config options for the filesystem node
type Config struct {
	Name    string // Name used in audit output, defaults to the base directory
	BaseDir string // Base directory for storing objects
}

// New creates a new filesystem node
func New(config Config) (*Node, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	for _, dir := range []string{objectDir, metaDir} {
		if err := os.MkdirAll(filepath.Join(config.BaseDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}

	name := config.Name
	if name == "" {
		name = "file://" + config.BaseDir
	}
	return &Node{name: name, baseDir: config.BaseDir}, nil
}

// Name implements simplemigrate.ObjectSource.
func (n *Node) Name() string {
	return n.name
}

func (n *Node) objectPath(pid string) string {
	return filepath.Join(n.baseDir, objectDir, url.PathEscape(pid))
}

func (n *Node) metaPath(pid string) string {
	return filepath.Join(n.baseDir, metaDir, url.PathEscape(pid)+metaExt)
}

// List implements simplemigrate.CatalogSource. Identifiers are listed in
// file name order.
func (n *Node) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		entries, err := os.ReadDir(filepath.Join(n.baseDir, objectDir))
		if err != nil {
			yield("", fmt.Errorf("failed to read object directory: %w", err))
			return
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if entry.IsDir() || strings.HasPrefix(entry.Name(), tmpPrefix) {
				continue
			}
			pid, err := url.PathUnescape(entry.Name())
			if err != nil {
				// not written by this node
				continue
			}
			if !yield(pid, nil) {
				return
			}
		}
	}
}

// Get implements simplemigrate.ObjectSource.
func (n *Node) Get(ctx context.Context, pid string) ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	data, err := os.ReadFile(n.objectPath(pid))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", simplemigrate.ErrNotFound, pid)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// GetSystemMetadata implements simplemigrate.ObjectSource.
func (n *Node) GetSystemMetadata(ctx context.Context, pid string) (*simplemigrate.SystemMetadata, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.readMeta(pid)
}

func (n *Node) readMeta(pid string) (*simplemigrate.SystemMetadata, error) {
	data, err := os.ReadFile(n.metaPath(pid))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: system metadata for %s", simplemigrate.ErrNotFound, pid)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read system metadata: %w", err)
	}
	return sysmeta.Parse(data)
}

// Create implements simplemigrate.Destination.
func (n *Node) Create(ctx context.Context, pid string, data []byte, meta *simplemigrate.SystemMetadata) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := os.Stat(n.objectPath(pid)); err == nil {
		return fmt.Errorf("%w: %s", simplemigrate.ErrAlreadyExists, pid)
	}
	return n.store(pid, data, meta)
}

// Update implements simplemigrate.Destination. The old object's metadata is
// rewritten with obsoletedBy set to newPID.
func (n *Node) Update(ctx context.Context, oldPID string, data []byte, newPID string, meta *simplemigrate.SystemMetadata) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	old, err := n.readMeta(oldPID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(n.objectPath(newPID)); err == nil {
		return fmt.Errorf("%w: %s", simplemigrate.ErrAlreadyExists, newPID)
	}
	if old.ObsoletedBy != "" {
		return fmt.Errorf("%s is already obsoleted by %s", oldPID, old.ObsoletedBy)
	}

	if err := n.store(newPID, data, meta); err != nil {
		return err
	}

	old.ObsoletedBy = newPID
	doc, err := sysmeta.Marshal(old)
	if err != nil {
		return err
	}
	return writeAtomic(n.metaPath(oldPID), doc)
}

// store writes metadata first so a listed object always has metadata.
func (n *Node) store(pid string, data []byte, meta *simplemigrate.SystemMetadata) error {
	doc, err := sysmeta.Marshal(meta)
	if err != nil {
		return err
	}
	if err := writeAtomic(n.metaPath(pid), doc); err != nil {
		return err
	}
	return writeAtomic(n.objectPath(pid), data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
