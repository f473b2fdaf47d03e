// Package assemble turns raw header hits into bounded, scored recovery
// candidates.
package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Status is a candidate's lifecycle state. Transitions are forward-only:
// pending -> selected -> recovered|failed, or pending -> rejected.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSelected  Status = "selected"
	StatusRecovered Status = "recovered"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

var validTransitions = map[Status][]Status{
	StatusPending:  {StatusSelected, StatusRejected},
	StatusSelected: {StatusRecovered, StatusFailed},
}

// Candidate is a tentative recovered-file region. Created by the assembler,
// mutated only by selection and materialization.
type Candidate struct {
	ID          string  `json:"id"`
	SignatureID string  `json:"signature_id"`
	Category    string  `json:"category"`
	Extension   string  `json:"extension"`
	Target      string  `json:"target"`
	Offset      int64   `json:"offset"`
	Length      int64   `json:"length"`
	Confidence  float64 `json:"confidence"`
	FooterFound bool    `json:"footer_found"`
	Status      Status  `json:"status"`
	FailReason  string  `json:"fail_reason,omitempty"`
}

// Transition moves the candidate forward through its lifecycle; any move
// not in the state machine is an error.
func (c *Candidate) Transition(to Status) error {
	for _, allowed := range validTransitions[c.Status] {
		if allowed == to {
			c.Status = to
			return nil
		}
	}
	return fmt.Errorf("candidate %s: illegal transition %s -> %s", c.ID, c.Status, to)
}

// SuggestedName is the destination file name for a recovered candidate.
func (c *Candidate) SuggestedName() string {
	return fmt.Sprintf("recovered_%s.%s", c.ID, c.Extension)
}

func candidateID(target, sigID string, offset int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", target, sigID, offset)))
	return hex.EncodeToString(h[:])[:12]
}

// Order selects the caller-preferred candidate ordering.
type Order int

const (
	OrderByOffset Order = iota
	OrderByConfidence
)

// Sort orders candidates in place. Confidence order is descending with
// offset as tiebreak so output stays deterministic.
func Sort(cands []Candidate, order Order) {
	switch order {
	case OrderByConfidence:
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].Confidence != cands[j].Confidence {
				return cands[i].Confidence > cands[j].Confidence
			}
			return cands[i].Offset < cands[j].Offset
		})
	default:
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].Offset != cands[j].Offset {
				return cands[i].Offset < cands[j].Offset
			}
			return cands[i].SignatureID < cands[j].SignatureID
		})
	}
}
