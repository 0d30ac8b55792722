package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Approval is the review state of an answer
type Approval string

const (
	ApprovalUnset    Approval = ""         // Not reviewed yet
	ApprovalApproved Approval = "approved" // Accepted by a reviewer
	ApprovalRejected Approval = "rejected" // Explicitly disapproved
)

// ApprovalFromBool maps the wire-level approved flag onto the enum
func ApprovalFromBool(approved bool) Approval {
	if approved {
		return ApprovalApproved
	}
	return ApprovalRejected
}

// Answer is a single question/answer record. Rows without a questionnaire id are
// retrieval-only seed data imported from historical questionnaires.
type Answer struct {
	UUID            string   `json:"uuid" bson:"_id"`
	Hash            string   `json:"id" bson:"hash"` // HashQuestion of the normalized question
	QuestionnaireID string   `json:"questionnaireId,omitempty" bson:"questionnaireId"`
	Question        string   `json:"question" bson:"question"`
	Answer          string   `json:"answer,omitempty" bson:"answer,omitempty"`
	Approval        Approval `json:"approval,omitempty" bson:"approval,omitempty"`
}

// IsAnswered is true once the generator (or a reviewer) has filled the answer
func (a *Answer) IsAnswered() bool {
	return strings.TrimSpace(a.Answer) != ""
}

// IsApproved reports an explicit approval
func (a *Answer) IsApproved() bool {
	return a.Approval == ApprovalApproved
}

// IsSeed is true for retrieval-only rows
func (a *Answer) IsSeed() bool {
	return a.QuestionnaireID == ""
}

// UpdateAnswerRequest is a partial update of an answer row
type UpdateAnswerRequest struct {
	Approved *bool   `json:"approved,omitempty"`
	Answer   *string `json:"answer,omitempty"`
}

// Similar is a previously answered question found near an input question
type Similar struct {
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Distance float64 `json:"distance"`
}

// SimilarResult groups the resolved neighbours of one input question
type SimilarResult struct {
	Question  string    `json:"question"`
	Neighbors []Similar `json:"neighbors"`
}

// NormalizeQuestion trims whitespace and strips a single leading '?', '!' or '.'
// left behind by extraction. Hashes and prompts are both built from its output.
func NormalizeQuestion(q string) string {
	q = strings.TrimSpace(q)
	if q != "" {
		switch q[0] {
		case '?', '!', '.':
			q = strings.TrimSpace(q[1:])
		}
	}
	return q
}

// HashQuestion is the content hash identifying a question within a questionnaire
func HashQuestion(q string) string {
	sum := sha256.Sum256([]byte(NormalizeQuestion(q)))
	return hex.EncodeToString(sum[:])[:12]
}
