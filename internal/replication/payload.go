package replication

import (
	"encoding/json"

	"github.com/pkg/errors"

	"sessionsync/internal/session"
)

// Payload is one session write shipped to the other nodes of the site.
//
// Each payload carries:
// Session: the full session after the write, or only its identity when
// Deleted is set
// OriginNodeID: the node where the write happened
type Payload struct {
	Session      *session.Session `json:"session"`
	Deleted      bool             `json:"deleted,omitempty"`
	OriginNodeID string           `json:"origin_node_id"`
}

// DecodePayload parses a payload produced by a Replicator.
func DecodePayload(b []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, errors.Wrap(err, "decode replication payload")
	}
	if p.Session == nil || p.Session.ID == "" {
		return nil, errors.New("decode replication payload: missing session")
	}
	p.Session = p.Session.Clone()
	return &p, nil
}
