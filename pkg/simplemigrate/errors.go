package simplemigrate

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrMalformedIdentifier indicates an identifier does not have the scope.localId.revision form
	ErrMalformedIdentifier = errors.New("malformed identifier")

	// ErrMetadataUnavailable indicates no source yielded parseable system metadata
	ErrMetadataUnavailable = errors.New("system metadata unavailable")

	// ErrObjectUnavailable indicates no source yielded the object bytes
	ErrObjectUnavailable = errors.New("object unavailable")

	// ErrDestinationWrite indicates the destination rejected a create or update
	ErrDestinationWrite = errors.New("destination write rejected")

	// ErrDuplicateRevision indicates two identifiers of one chain share a revision
	ErrDuplicateRevision = errors.New("duplicate revision")

	// ErrCatalogUnavailable indicates the catalog could not be enumerated
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrNotFound is returned by nodes when an identifier does not exist
	ErrNotFound = errors.New("identifier not found")

	// ErrAlreadyExists is returned by nodes when an identifier is already in use
	ErrAlreadyExists = errors.New("identifier already exists")

	// ErrRunNotFound indicates a run was not found in the ledger
	ErrRunNotFound = errors.New("run not found")
)

// DocumentError wraps a failure to parse a system metadata document and
// keeps the document as it was received.
type DocumentError struct {
	Raw []byte
	Err error
}

func (e *DocumentError) Error() string {
	return e.Err.Error()
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// ErrorKind tags a MigrationError with its place in the failure taxonomy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindMalformedIdentifier
	KindMetadataUnavailable
	KindObjectUnavailable
	KindDestinationWrite
	KindDuplicateRevision
	KindCatalogUnavailable
)

var kindSentinels = map[ErrorKind]error{
	KindMalformedIdentifier: ErrMalformedIdentifier,
	KindMetadataUnavailable: ErrMetadataUnavailable,
	KindObjectUnavailable:   ErrObjectUnavailable,
	KindDestinationWrite:    ErrDestinationWrite,
	KindDuplicateRevision:   ErrDuplicateRevision,
	KindCatalogUnavailable:  ErrCatalogUnavailable,
}

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedIdentifier:
		return "malformed_identifier"
	case KindMetadataUnavailable:
		return "metadata_unavailable"
	case KindObjectUnavailable:
		return "object_unavailable"
	case KindDestinationWrite:
		return "destination_write"
	case KindDuplicateRevision:
		return "duplicate_revision"
	case KindCatalogUnavailable:
		return "catalog_unavailable"
	default:
		return "unknown"
	}
}

// MigrationError carries the identifier, stage and source of a failure.
type MigrationError struct {
	Kind   ErrorKind
	PID    string
	Stage  Stage
	Source string
	Err    error
}

func (e *MigrationError) Error() string {
	msg := fmt.Sprintf("%s: stage %s failed for %s", e.Kind, e.Stage, e.PID)
	if e.Source != "" {
		msg += " on " + e.Source
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind, so
// errors.Is(err, ErrObjectUnavailable) works without wrapping the sentinel.
func (e *MigrationError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the ErrorKind of the first MigrationError in err's chain.
func KindOf(err error) ErrorKind {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}
