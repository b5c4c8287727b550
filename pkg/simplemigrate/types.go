package simplemigrate

import (
	"time"

	"github.com/google/uuid"
)

// Stage names the point in the migration where an event happened.
type Stage string

// Stage constants (typed).
const (
	StageCatalog  Stage = "catalog"
	StageParse    Stage = "parse"
	StageLineage  Stage = "lineage"
	StageObject   Stage = "fetch_object"
	StageMetadata Stage = "fetch_metadata"
	StageCreate   Stage = "create"
	StageUpdate   Stage = "update"
	StageChain    Stage = "chain"
)

// StepStatus is the outcome of one chain element or audit event.
type StepStatus string

// Step status constants (typed).
const (
	StepCreated  StepStatus = "created"
	StepUpdated  StepStatus = "updated"
	StepSkipped  StepStatus = "skipped"
	StepFailed   StepStatus = "failed"
	StepWarning  StepStatus = "warning"
	StepComplete StepStatus = "complete"
	StepAborted  StepStatus = "aborted"
)

// RunStatus is the lifecycle state of a migration run in the ledger.
type RunStatus string

// Run status constants (typed).
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCanceled  RunStatus = "canceled"
	RunStatusFailed    RunStatus = "failed"
)

// Checksum is a digest together with the algorithm that produced it.
type Checksum struct {
	Algorithm ChecksumAlgorithm `json:"algorithm"`
	Value     string            `json:"value"`
}

// AccessRule grants permissions to subjects.
type AccessRule struct {
	Subjects    []string `json:"subjects"`
	Permissions []string `json:"permissions"`
}

// AccessPolicy is the ordered set of allow rules of an object.
type AccessPolicy struct {
	Allow []AccessRule `json:"allow"`
}

// ReplicationPolicy describes where an object may be replicated.
type ReplicationPolicy struct {
	ReplicationAllowed   bool     `json:"replication_allowed"`
	NumberReplicas       int      `json:"number_replicas"`
	PreferredMemberNodes []string `json:"preferred_member_nodes,omitempty"`
	BlockedMemberNodes   []string `json:"blocked_member_nodes,omitempty"`
}

// Replica records a copy of an object held by another node.
type Replica struct {
	MemberNode   string    `json:"member_node"`
	Status       string    `json:"status"`
	DateVerified time.Time `json:"date_verified"`
}

// SystemMetadata is the descriptive, non-payload record of an object.
//
// Source nodes return it as read; the destination receives the trimmed copy
// produced by Transformer.Derive.
type SystemMetadata struct {
	SerialVersion           uint64             `json:"serial_version"`
	Identifier              string             `json:"identifier"`
	FormatID                string             `json:"format_id"`
	Size                    uint64             `json:"size"`
	Checksum                Checksum           `json:"checksum"`
	Submitter               string             `json:"submitter,omitempty"`
	RightsHolder            string             `json:"rights_holder"`
	AccessPolicy            *AccessPolicy      `json:"access_policy,omitempty"`
	ReplicationPolicy       *ReplicationPolicy `json:"replication_policy,omitempty"`
	Obsoletes               string             `json:"obsoletes,omitempty"`
	ObsoletedBy             string             `json:"obsoleted_by,omitempty"`
	Archived                bool               `json:"archived,omitempty"`
	DateUploaded            time.Time          `json:"date_uploaded"`
	DateSysMetadataModified time.Time          `json:"date_sys_metadata_modified"`
	OriginMemberNode        string             `json:"origin_member_node,omitempty"`
	AuthoritativeMemberNode string             `json:"authoritative_member_node,omitempty"`
	Replicas                []Replica          `json:"replicas,omitempty"`
}

// Clone returns a deep copy of the metadata.
func (m *SystemMetadata) Clone() *SystemMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.AccessPolicy != nil {
		c.AccessPolicy = &AccessPolicy{Allow: make([]AccessRule, len(m.AccessPolicy.Allow))}
		for i, rule := range m.AccessPolicy.Allow {
			c.AccessPolicy.Allow[i] = AccessRule{
				Subjects:    append([]string(nil), rule.Subjects...),
				Permissions: append([]string(nil), rule.Permissions...),
			}
		}
	}
	if m.ReplicationPolicy != nil {
		rp := *m.ReplicationPolicy
		rp.PreferredMemberNodes = append([]string(nil), rp.PreferredMemberNodes...)
		rp.BlockedMemberNodes = append([]string(nil), rp.BlockedMemberNodes...)
		c.ReplicationPolicy = &rp
	}
	c.Replicas = append([]Replica(nil), m.Replicas...)
	return &c
}

// ObjectRecord is one fetched object. It lives for a single replay step.
type ObjectRecord struct {
	Identifier Identifier
	Data       []byte
	Metadata   *SystemMetadata
	// Source names the node that answered
	Source string
}

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	Time     time.Time
	RunID    uuid.UUID
	Key      string
	PID      string
	Stage    Stage
	Status   StepStatus
	Source   string
	FormatID string
	Size     int64
	Detail   string
	Err      error
}

// Run is the ledger entry for one migration run.
type Run struct {
	ID                uuid.UUID  `json:"id"`
	DestinationNodeID string     `json:"destination_node_id"`
	Status            RunStatus  `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Accepted          int        `json:"accepted"`
	Malformed         int        `json:"malformed"`
	Chains            int        `json:"chains"`
	CompleteChains    int        `json:"complete_chains"`
	AbortedChains     int        `json:"aborted_chains"`
	Created           int        `json:"created"`
	Updated           int        `json:"updated"`
	Skipped           int        `json:"skipped"`
}

// StepRecord is the ledger entry for one audit event of a run.
type StepRecord struct {
	ID        uuid.UUID  `json:"id"`
	RunID     uuid.UUID  `json:"run_id"`
	PID       string     `json:"pid"`
	GroupKey  string     `json:"group_key,omitempty"`
	Stage     Stage      `json:"stage"`
	Status    StepStatus `json:"status"`
	Source    string     `json:"source,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
