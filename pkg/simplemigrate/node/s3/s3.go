package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/sysmeta"
)

// Config options for the S3 node
type Config struct {
	Name            string // Name used in audit output, defaults to s3://<bucket>
	Region          string // AWS region
	Bucket          string // S3 bucket name
	Prefix          string // Optional key prefix
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool // Create bucket if it doesn't exist
}

// Client is the subset of the S3 API used by the node. *s3.Client satisfies it.
type Client interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Node is an S3-compatible implementation of the simplemigrate.Node interface.
// Objects are stored under <prefix>object/<pid> and system metadata under
// <prefix>meta/<pid>.xml, with the pid path-escaped.
type Node struct {
	// serializes existence checks with writes
	mu       sync.Mutex
	client   Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	name     string
}

// New creates a new S3-compatible node
func New(config Config) (*Node, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	if config.Region == "" {
		config.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(config.Region))
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			config.AccessKeyID,
			config.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)

	if config.CreateBucketIfNotExist {
		if err := createBucketIfNotExists(context.Background(), client, config); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return NewWithClient(client, config), nil
}

// NewWithClient creates a node on an existing client
func NewWithClient(client Client, config Config) *Node {
	name := config.Name
	if name == "" {
		name = "s3://" + config.Bucket
	}
	prefix := config.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Node{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   config.Bucket,
		prefix:   prefix,
		name:     name,
	}
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, config Config) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(config.Bucket),
	})
	if err == nil {
		return nil
	}

	var noSuchBucket *types.NoSuchBucket
	if !isNotFound(err) && !errors.As(err, &noSuchBucket) && !strings.Contains(err.Error(), "BadRequest") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(config.Bucket),
	}
	if config.Region != "us-east-1" {
		createInput.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(config.Region),
		}
	}

	if _, err := client.CreateBucket(ctx, createInput); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
				return nil
			}
		}
		return err
	}
	return nil
}

// Name implements simplemigrate.ObjectSource.
func (n *Node) Name() string {
	return n.name
}

// ObjectKey returns the key holding the bytes of pid.
func (n *Node) ObjectKey(pid string) string {
	return n.prefix + "object/" + url.PathEscape(pid)
}

// MetaKey returns the key holding the system metadata of pid.
func (n *Node) MetaKey(pid string) string {
	return n.prefix + "meta/" + url.PathEscape(pid) + ".xml"
}

// List implements simplemigrate.CatalogSource. Identifiers come back in key
// order, one ListObjectsV2 page at a time.
func (n *Node) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		objectPrefix := n.prefix + "object/"
		paginator := s3.NewListObjectsV2Paginator(n.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(n.bucket),
			Prefix: aws.String(objectPrefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield("", fmt.Errorf("failed to list objects: %w", err))
				return
			}
			for _, obj := range page.Contents {
				pid, err := url.PathUnescape(strings.TrimPrefix(aws.ToString(obj.Key), objectPrefix))
				if err != nil || pid == "" {
					continue
				}
				if !yield(pid, nil) {
					return
				}
			}
		}
	}
}

// Get implements simplemigrate.ObjectSource.
func (n *Node) Get(ctx context.Context, pid string) ([]byte, error) {
	return n.read(ctx, pid, n.ObjectKey(pid))
}

// GetSystemMetadata implements simplemigrate.ObjectSource.
func (n *Node) GetSystemMetadata(ctx context.Context, pid string) (*simplemigrate.SystemMetadata, error) {
	data, err := n.read(ctx, pid, n.MetaKey(pid))
	if err != nil {
		return nil, err
	}
	return sysmeta.Parse(data)
}

func (n *Node) read(ctx context.Context, pid, key string) ([]byte, error) {
	result, err := n.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", simplemigrate.ErrNotFound, pid)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read from S3: %w", err)
	}
	return data, nil
}

func (n *Node) exists(ctx context.Context, key string) (bool, error) {
	_, err := n.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to get object metadata: %w", err)
}

// Create implements simplemigrate.Destination.
func (n *Node) Create(ctx context.Context, pid string, data []byte, meta *simplemigrate.SystemMetadata) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	found, err := n.exists(ctx, n.ObjectKey(pid))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", simplemigrate.ErrAlreadyExists, pid)
	}
	return n.store(ctx, pid, data, meta)
}

// Update implements simplemigrate.Destination. The old object's metadata is
// rewritten with obsoletedBy set to newPID.
func (n *Node) Update(ctx context.Context, oldPID string, data []byte, newPID string, meta *simplemigrate.SystemMetadata) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	old, err := n.GetSystemMetadata(ctx, oldPID)
	if err != nil {
		return err
	}
	found, err := n.exists(ctx, n.ObjectKey(newPID))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", simplemigrate.ErrAlreadyExists, newPID)
	}
	if old.ObsoletedBy != "" {
		return fmt.Errorf("%s is already obsoleted by %s", oldPID, old.ObsoletedBy)
	}

	if err := n.store(ctx, newPID, data, meta); err != nil {
		return err
	}

	old.ObsoletedBy = newPID
	doc, err := sysmeta.Marshal(old)
	if err != nil {
		return err
	}
	return n.upload(ctx, n.MetaKey(oldPID), doc, "application/xml")
}

// store writes metadata first so a listed object always has metadata.
func (n *Node) store(ctx context.Context, pid string, data []byte, meta *simplemigrate.SystemMetadata) error {
	doc, err := sysmeta.Marshal(meta)
	if err != nil {
		return err
	}
	if err := n.upload(ctx, n.MetaKey(pid), doc, "application/xml"); err != nil {
		return err
	}
	contentType := meta.FormatID
	if !strings.Contains(contentType, "/") {
		contentType = "application/octet-stream"
	}
	return n.upload(ctx, n.ObjectKey(pid), data, contentType)
}

func (n *Node) upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := n.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(n.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// isNotFound handles both typed errors and the generic codes some
// S3-compatible services return.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
