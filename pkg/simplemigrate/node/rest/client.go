// Package rest talks to identifier network nodes over their v1 REST API and
// can serve any local node over the same API.
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/sysmeta"
)

// Defaults for Config
const (
	DefaultPageSize = 1000
	DefaultTimeout  = 5 * time.Minute
	APIVersion      = "v1"
)

// Config options for the REST node client
type Config struct {
	Name     string // Name used in audit output, defaults to BaseURL
	BaseURL  string // Node base URL without the API version, e.g. https://cn.example.org/cn
	CertFile string // Optional client certificate (PEM)
	KeyFile  string // Private key for CertFile; empty when CertFile holds both
	Timeout  time.Duration
	PageSize int // Catalog page size

	InsecureSkipVerify bool

	// HTTPClient overrides the client built from the TLS settings
	HTTPClient *http.Client
}

// Node is a REST client implementation of the simplemigrate.Node interface
type Node struct {
	name     string
	baseURL  string
	client   *http.Client
	pageSize int
}

// New creates a new REST node client
func New(config Config) (*Node, error) {
	if config.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	client := config.HTTPClient
	if client == nil {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: config.InsecureSkipVerify,
		}
		if config.CertFile != "" {
			keyFile := config.KeyFile
			if keyFile == "" {
				keyFile = config.CertFile
			}
			cert, err := tls.LoadX509KeyPair(config.CertFile, keyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		client = &http.Client{Transport: transport, Timeout: config.Timeout}
	}

	name := config.Name
	if name == "" {
		name = config.BaseURL
	}
	return &Node{
		name:     name,
		baseURL:  strings.TrimRight(config.BaseURL, "/") + "/" + APIVersion,
		client:   client,
		pageSize: config.PageSize,
	}, nil
}

// Name implements simplemigrate.ObjectSource.
func (n *Node) Name() string {
	return n.name
}

// List implements simplemigrate.CatalogSource by walking the object list
// one page at a time.
func (n *Node) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := 0
		for {
			page, err := n.listPage(ctx, start)
			if err != nil {
				yield("", err)
				return
			}
			for _, info := range page.Objects {
				if !yield(strings.TrimSpace(info.Identifier), nil) {
					return
				}
			}
			start += len(page.Objects)
			if len(page.Objects) == 0 || start >= page.Total {
				return
			}
		}
	}
}

func (n *Node) listPage(ctx context.Context, start int) (*ObjectList, error) {
	q := url.Values{}
	q.Set("start", strconv.Itoa(start))
	q.Set("count", strconv.Itoa(n.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/object?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := n.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects at %d: %w", start, err)
	}
	var page ObjectList
	if err := xml.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode object list: %w", err)
	}
	return &page, nil
}

// Get implements simplemigrate.ObjectSource.
func (n *Node) Get(ctx context.Context, pid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/object/"+url.PathEscape(pid), nil)
	if err != nil {
		return nil, err
	}
	return n.do(req)
}

// GetSystemMetadata implements simplemigrate.ObjectSource.
func (n *Node) GetSystemMetadata(ctx context.Context, pid string) (*simplemigrate.SystemMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/meta/"+url.PathEscape(pid), nil)
	if err != nil {
		return nil, err
	}
	body, err := n.do(req)
	if err != nil {
		return nil, err
	}
	return sysmeta.Parse(body)
}

// Create implements simplemigrate.Destination with POST /object.
func (n *Node) Create(ctx context.Context, pid string, data []byte, meta *simplemigrate.SystemMetadata) error {
	body, contentType, err := multipartBody("pid", pid, data, meta)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/object", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	_, err = n.do(req)
	return err
}

// Update implements simplemigrate.Destination with PUT /object/{oldPID}.
func (n *Node) Update(ctx context.Context, oldPID string, data []byte, newPID string, meta *simplemigrate.SystemMetadata) error {
	body, contentType, err := multipartBody("newPid", newPID, data, meta)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, n.baseURL+"/object/"+url.PathEscape(oldPID), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	_, err = n.do(req)
	return err
}

func multipartBody(pidField, pid string, data []byte, meta *simplemigrate.SystemMetadata) (io.Reader, string, error) {
	doc, err := sysmeta.Marshal(meta)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField(pidField, pid); err != nil {
		return nil, "", err
	}
	part, err := w.CreateFormFile("object", "object")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	part, err = w.CreateFormFile("sysmeta", "sysmeta.xml")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(doc); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (n *Node) do(req *http.Request) ([]byte, error) {
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, body)
	}
	return body, nil
}
