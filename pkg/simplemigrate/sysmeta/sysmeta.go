// Package sysmeta reads and writes system metadata documents of the
// identifier network (types namespace v1).
//
// Source nodes are known to emit empty <accessPolicy/> and
// <blockedMemberNode/> elements, which the schema forbids. Parse tolerates
// them and Marshal never produces them.
package sysmeta

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tendant/simple-migrate/pkg/simplemigrate"
)

// Namespace is the XML namespace of the v1 types schema.
const Namespace = "http://ns.dataone.org/service/types/v1"

// ErrInvalidDocument indicates the bytes are not a usable system metadata document
var ErrInvalidDocument = errors.New("invalid system metadata document")

type document struct {
	XMLName                 xml.Name
	Xmlns                   string             `xml:"xmlns:d1,attr,omitempty"`
	SerialVersion           uint64             `xml:"serialVersion"`
	Identifier              string             `xml:"identifier"`
	FormatID                string             `xml:"formatId"`
	Size                    uint64             `xml:"size"`
	Checksum                checksum           `xml:"checksum"`
	Submitter               string             `xml:"submitter,omitempty"`
	RightsHolder            string             `xml:"rightsHolder"`
	AccessPolicy            *accessPolicy      `xml:"accessPolicy,omitempty"`
	ReplicationPolicy       *replicationPolicy `xml:"replicationPolicy,omitempty"`
	Obsoletes               string             `xml:"obsoletes,omitempty"`
	ObsoletedBy             string             `xml:"obsoletedBy,omitempty"`
	Archived                *bool              `xml:"archived,omitempty"`
	DateUploaded            string             `xml:"dateUploaded,omitempty"`
	DateSysMetadataModified string             `xml:"dateSysMetadataModified,omitempty"`
	OriginMemberNode        string             `xml:"originMemberNode,omitempty"`
	AuthoritativeMemberNode string             `xml:"authoritativeMemberNode,omitempty"`
	Replicas                []replica          `xml:"replica,omitempty"`
}

type checksum struct {
	Algorithm string `xml:"algorithm,attr"`
	Value     string `xml:",chardata"`
}

type accessPolicy struct {
	Allow []accessRule `xml:"allow"`
}

type accessRule struct {
	Subjects    []string `xml:"subject"`
	Permissions []string `xml:"permission"`
}

type replicationPolicy struct {
	ReplicationAllowed bool     `xml:"replicationAllowed,attr"`
	NumberReplicas     int      `xml:"numberReplicas,attr"`
	Preferred          []string `xml:"preferredMemberNode,omitempty"`
	Blocked            []string `xml:"blockedMemberNode,omitempty"`
}

type replica struct {
	MemberNode   string `xml:"replicaMemberNode"`
	Status       string `xml:"replicationStatus"`
	DateVerified string `xml:"replicaVerified"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// wireTimeLayout keeps millisecond precision with an explicit offset.
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Parse decodes a system metadata document. Failures are returned as a
// *simplemigrate.DocumentError holding data and wrapping ErrInvalidDocument.
func Parse(data []byte) (*simplemigrate.SystemMetadata, error) {
	meta, err := parse(data)
	if err != nil {
		return nil, &simplemigrate.DocumentError{Raw: append([]byte(nil), data...), Err: err}
	}
	return meta, nil
}

func parse(data []byte) (*simplemigrate.SystemMetadata, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.XMLName.Local != "systemMetadata" {
		return nil, fmt.Errorf("%w: unexpected root element %q", ErrInvalidDocument, doc.XMLName.Local)
	}
	if strings.TrimSpace(doc.Identifier) == "" {
		return nil, fmt.Errorf("%w: missing identifier", ErrInvalidDocument)
	}

	meta := &simplemigrate.SystemMetadata{
		SerialVersion: doc.SerialVersion,
		Identifier:    strings.TrimSpace(doc.Identifier),
		FormatID:      strings.TrimSpace(doc.FormatID),
		Size:          doc.Size,
		Checksum: simplemigrate.Checksum{
			Algorithm: simplemigrate.ChecksumAlgorithm(doc.Checksum.Algorithm),
			Value:     strings.TrimSpace(doc.Checksum.Value),
		},
		Submitter:               strings.TrimSpace(doc.Submitter),
		RightsHolder:            strings.TrimSpace(doc.RightsHolder),
		Obsoletes:               strings.TrimSpace(doc.Obsoletes),
		ObsoletedBy:             strings.TrimSpace(doc.ObsoletedBy),
		OriginMemberNode:        strings.TrimSpace(doc.OriginMemberNode),
		AuthoritativeMemberNode: strings.TrimSpace(doc.AuthoritativeMemberNode),
	}
	if doc.Archived != nil {
		meta.Archived = *doc.Archived
	}

	var err error
	if meta.DateUploaded, err = parseTime(doc.DateUploaded); err != nil {
		return nil, fmt.Errorf("%w: dateUploaded: %v", ErrInvalidDocument, err)
	}
	if meta.DateSysMetadataModified, err = parseTime(doc.DateSysMetadataModified); err != nil {
		return nil, fmt.Errorf("%w: dateSysMetadataModified: %v", ErrInvalidDocument, err)
	}

	// empty <accessPolicy/> carries no rules; treat it as absent
	if doc.AccessPolicy != nil && len(doc.AccessPolicy.Allow) > 0 {
		policy := &simplemigrate.AccessPolicy{}
		for _, rule := range doc.AccessPolicy.Allow {
			policy.Allow = append(policy.Allow, simplemigrate.AccessRule{
				Subjects:    trimAll(rule.Subjects),
				Permissions: trimAll(rule.Permissions),
			})
		}
		meta.AccessPolicy = policy
	}

	if rp := doc.ReplicationPolicy; rp != nil {
		meta.ReplicationPolicy = &simplemigrate.ReplicationPolicy{
			ReplicationAllowed:   rp.ReplicationAllowed,
			NumberReplicas:       rp.NumberReplicas,
			PreferredMemberNodes: trimAll(rp.Preferred),
			BlockedMemberNodes:   trimAll(rp.Blocked),
		}
	}

	for _, r := range doc.Replicas {
		verified, err := parseTime(r.DateVerified)
		if err != nil {
			return nil, fmt.Errorf("%w: replicaVerified: %v", ErrInvalidDocument, err)
		}
		meta.Replicas = append(meta.Replicas, simplemigrate.Replica{
			MemberNode:   strings.TrimSpace(r.MemberNode),
			Status:       strings.TrimSpace(r.Status),
			DateVerified: verified,
		})
	}

	return meta, nil
}

// Marshal encodes meta as a namespaced system metadata document.
func Marshal(meta *simplemigrate.SystemMetadata) ([]byte, error) {
	if meta == nil {
		return nil, errors.New("system metadata is nil")
	}
	doc := document{
		XMLName:       xml.Name{Local: "d1:systemMetadata"},
		Xmlns:         Namespace,
		SerialVersion: meta.SerialVersion,
		Identifier:    meta.Identifier,
		FormatID:      meta.FormatID,
		Size:          meta.Size,
		Checksum: checksum{
			Algorithm: string(meta.Checksum.Algorithm),
			Value:     meta.Checksum.Value,
		},
		Submitter:               meta.Submitter,
		RightsHolder:            meta.RightsHolder,
		Obsoletes:               meta.Obsoletes,
		ObsoletedBy:             meta.ObsoletedBy,
		DateUploaded:            formatTime(meta.DateUploaded),
		DateSysMetadataModified: formatTime(meta.DateSysMetadataModified),
		OriginMemberNode:        meta.OriginMemberNode,
		AuthoritativeMemberNode: meta.AuthoritativeMemberNode,
	}
	if meta.Archived {
		archived := true
		doc.Archived = &archived
	}
	if meta.AccessPolicy != nil && len(meta.AccessPolicy.Allow) > 0 {
		doc.AccessPolicy = &accessPolicy{}
		for _, rule := range meta.AccessPolicy.Allow {
			doc.AccessPolicy.Allow = append(doc.AccessPolicy.Allow, accessRule{
				Subjects:    rule.Subjects,
				Permissions: rule.Permissions,
			})
		}
	}
	if rp := meta.ReplicationPolicy; rp != nil {
		doc.ReplicationPolicy = &replicationPolicy{
			ReplicationAllowed: rp.ReplicationAllowed,
			NumberReplicas:     rp.NumberReplicas,
			Preferred:          nonEmpty(rp.PreferredMemberNodes),
			Blocked:            nonEmpty(rp.BlockedMemberNodes),
		}
	}
	for _, r := range meta.Replicas {
		doc.Replicas = append(doc.Replicas, replica{
			MemberNode:   r.MemberNode,
			Status:       r.Status,
			DateVerified: formatTime(r.DateVerified),
		})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode system metadata: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(wireTimeLayout)
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
