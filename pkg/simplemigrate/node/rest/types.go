package rest

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/sysmeta"
)

// ObjectList is one page of a node's object listing.
type ObjectList struct {
	XMLName xml.Name     `xml:"objectList"`
	Xmlns   string       `xml:"xmlns:d1,attr,omitempty"`
	Count   int          `xml:"count,attr"`
	Start   int          `xml:"start,attr"`
	Total   int          `xml:"total,attr"`
	Objects []ObjectInfo `xml:"objectInfo"`
}

// ObjectInfo is the summary of one listed object.
type ObjectInfo struct {
	Identifier string `xml:"identifier"`
	FormatID   string `xml:"formatId,omitempty"`
	Size       uint64 `xml:"size"`
}

// NodeError is the error document a node returns with a non-2xx status.
type NodeError struct {
	XMLName     xml.Name `xml:"error"`
	Name        string   `xml:"name,attr"`
	ErrorCode   int      `xml:"errorCode,attr"`
	DetailCode  string   `xml:"detailCode,attr,omitempty"`
	PID         string   `xml:"pid,attr,omitempty"`
	Description string   `xml:"description"`
}

func (e *NodeError) Error() string {
	msg := fmt.Sprintf("%s (%d)", e.Name, e.ErrorCode)
	if e.DetailCode != "" {
		msg += " detail " + e.DetailCode
	}
	if e.Description != "" {
		msg += ": " + strings.TrimSpace(e.Description)
	}
	return msg
}

// Is maps node error names onto the package sentinels.
func (e *NodeError) Is(target error) bool {
	switch target {
	case simplemigrate.ErrNotFound:
		return e.Name == "NotFound" || e.ErrorCode == http.StatusNotFound
	case simplemigrate.ErrAlreadyExists:
		return e.Name == "IdentifierNotUnique"
	}
	return false
}

func decodeError(status int, body []byte) error {
	var nodeErr NodeError
	if err := xml.Unmarshal(body, &nodeErr); err != nil || nodeErr.Name == "" {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}
		nodeErr = NodeError{
			Name:        http.StatusText(status),
			Description: text,
		}
		if status == http.StatusNotFound {
			nodeErr.Name = "NotFound"
		}
	}
	if nodeErr.ErrorCode == 0 {
		nodeErr.ErrorCode = status
	}
	return &nodeErr
}

func newObjectList(start, total int, infos []ObjectInfo) *ObjectList {
	return &ObjectList{
		Xmlns:   sysmeta.Namespace,
		Count:   len(infos),
		Start:   start,
		Total:   total,
		Objects: infos,
	}
}
