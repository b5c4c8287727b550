package simplemigrate

import (
	"errors"
)

// Transformer derives destination system metadata from source metadata.
type Transformer struct {
	nodeID    string
	algorithm ChecksumAlgorithm
}

// NewTransformer validates the destination node identity and the checksum
// algorithm. An empty algorithm selects MD5.
func NewTransformer(nodeID string, algorithm ChecksumAlgorithm) (*Transformer, error) {
	if nodeID == "" {
		return nil, errors.New("destination node id is required")
	}
	if algorithm == "" {
		algorithm = ChecksumMD5
	}
	if _, err := algorithm.New(); err != nil {
		return nil, err
	}
	return &Transformer{nodeID: nodeID, algorithm: algorithm}, nil
}

// NodeID returns the destination node identity stamped on derived metadata.
func (t *Transformer) NodeID() string {
	return t.nodeID
}

// Algorithm returns the checksum algorithm used for derived metadata.
func (t *Transformer) Algorithm() ChecksumAlgorithm {
	return t.algorithm
}

// Derive builds the destination metadata for payload. Size and checksum are
// always computed from payload; the values claimed by src are ignored.
// Fields not copied here are dropped.
func (t *Transformer) Derive(src *SystemMetadata, payload []byte) *SystemMetadata {
	// the algorithm was validated by NewTransformer
	sum, _ := ComputeChecksum(t.algorithm, payload)

	dst := &SystemMetadata{
		SerialVersion:           1,
		Size:                    uint64(len(payload)),
		Checksum:                sum,
		OriginMemberNode:        t.nodeID,
		AuthoritativeMemberNode: t.nodeID,
	}
	if src == nil {
		return dst
	}

	preserved := src.Clone()
	dst.Identifier = preserved.Identifier
	dst.FormatID = preserved.FormatID
	dst.Submitter = preserved.Submitter
	dst.RightsHolder = preserved.RightsHolder
	dst.AccessPolicy = preserved.AccessPolicy
	dst.DateUploaded = preserved.DateUploaded
	dst.DateSysMetadataModified = preserved.DateSysMetadataModified
	return dst
}
