package simplemigrate

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Fetcher returns the bytes and system metadata of one identifier.
type Fetcher interface {
	Fetch(ctx context.Context, id Identifier) (*ObjectRecord, error)
}

// FallbackFetcher asks the primary source once and, on any failure, the
// secondary source once. There is no retry loop.
type FallbackFetcher struct {
	primary   ObjectSource
	secondary ObjectSource
	sink      AuditSink
}

// NewFallbackFetcher creates a fetcher. secondary may be nil for a
// primary-only policy; sink may be nil.
func NewFallbackFetcher(primary, secondary ObjectSource, sink AuditSink) *FallbackFetcher {
	if sink == nil {
		sink = NewNoopAuditSink()
	}
	return &FallbackFetcher{primary: primary, secondary: secondary, sink: sink}
}

// Fetch implements Fetcher.
func (f *FallbackFetcher) Fetch(ctx context.Context, id Identifier) (*ObjectRecord, error) {
	sources := []ObjectSource{f.primary}
	if f.secondary != nil {
		sources = append(sources, f.secondary)
	}

	var (
		gotBytes bool
		errs     []error
		tried    []string
	)
	for _, src := range sources {
		rec, stage, err := fetchFrom(ctx, src, id)
		if err == nil {
			return rec, nil
		}
		if stage == StageMetadata {
			gotBytes = true
		}
		errs = append(errs, err)
		tried = append(tried, src.Name())
		event := AuditEvent{
			Time:   time.Now().UTC(),
			Key:    id.Key().String(),
			PID:    id.Raw,
			Stage:  stage,
			Status: StepFailed,
			Source: src.Name(),
			Err:    err,
		}
		var derr *DocumentError
		if errors.As(err, &derr) {
			event.Detail = string(derr.Raw)
		}
		f.sink.Record(ctx, event)
		if ctx.Err() != nil {
			break
		}
	}

	kind, stage := KindObjectUnavailable, StageObject
	if gotBytes {
		kind, stage = KindMetadataUnavailable, StageMetadata
	}
	return nil, &MigrationError{
		Kind:   kind,
		PID:    id.Raw,
		Stage:  stage,
		Source: strings.Join(tried, ","),
		Err:    errors.Join(errs...),
	}
}

func fetchFrom(ctx context.Context, src ObjectSource, id Identifier) (*ObjectRecord, Stage, error) {
	data, err := src.Get(ctx, id.Raw)
	if err != nil {
		return nil, StageObject, err
	}
	meta, err := src.GetSystemMetadata(ctx, id.Raw)
	if err != nil {
		return nil, StageMetadata, err
	}
	if meta == nil {
		return nil, StageMetadata, errors.New("empty system metadata")
	}
	return &ObjectRecord{
		Identifier: id,
		Data:       data,
		Metadata:   meta,
		Source:     src.Name(),
	}, "", nil
}
