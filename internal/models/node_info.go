package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidNodeID = errors.New("invalid node id")

	idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// ValidID reports whether id can be used as a node, schedule or entry identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NodeInfo identifies a cluster node. Approved is not part of the stored payload; it
// follows from where the record was found.
type NodeInfo struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	Approved bool   `json:"-"`
}

func NewNodeInfo(id, location string, approved bool) (NodeInfo, error) {
	if !ValidID(id) {
		return NodeInfo{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, id)
	}
	return NodeInfo{ID: id, Location: location, Approved: approved}, nil
}

func (n NodeInfo) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

// ParseNodeInfo decodes a stored node record. An empty id in the payload falls back
// to the id taken from the record path.
func ParseNodeInfo(id string, data []byte, approved bool) (NodeInfo, error) {
	var info NodeInfo
	if len(data) > 0 {
		if err := json.Unmarshal(data, &info); err != nil {
			return NodeInfo{}, fmt.Errorf("decode node info %s: %w", id, err)
		}
	}
	if info.ID == "" {
		info.ID = id
	}
	if info.ID != id {
		return NodeInfo{}, fmt.Errorf("%w: record %s holds id %q", ErrInvalidNodeID, id, info.ID)
	}
	info.Approved = approved
	return info, nil
}

func (n NodeInfo) String() string {
	if n.Location == "" {
		return n.ID
	}
	return n.ID + "@" + n.Location
}
