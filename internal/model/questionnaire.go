package model

import (
	"regexp"
	"strings"
	"time"
)

// QuestionnaireState is the lifecycle state of a submitted questionnaire
type QuestionnaireState string

const (
	StateLoaded     QuestionnaireState = "loaded"     // Persisted, extraction not started
	StateProcessing QuestionnaireState = "processing" // Questions extracted, answer rows being created
	StateAnswering  QuestionnaireState = "answering"  // Batches dispatched to the generator
	StateCompleted  QuestionnaireState = "completed"  // Every owned answer row is filled
	StateError      QuestionnaireState = "error"      // Extraction or generation failed
)

// transitions lists the forward moves allowed out of each state.
var transitions = map[QuestionnaireState][]QuestionnaireState{
	StateLoaded:     {StateProcessing, StateError},
	StateProcessing: {StateAnswering, StateError},
	StateAnswering:  {StateCompleted, StateError},
}

// CanTransition reports whether moving from s to next is a legal forward step
func (s QuestionnaireState) CanTransition(next QuestionnaireState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for COMPLETED and ERROR
func (s QuestionnaireState) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// QuestionnaireType classifies the submitted document
type QuestionnaireType string

const (
	TypeGenericInboundSales QuestionnaireType = "generic_inbound_sales_request"
	TypeRFP                 QuestionnaireType = "rfp"
	TypeSecurity            QuestionnaireType = "security_questionnaire"
	TypeGDPR                QuestionnaireType = "gdpr_questionnaire"
	TypeOther               QuestionnaireType = "other"
)

// IsValid checks the type against the recognised set
func (t QuestionnaireType) IsValid() bool {
	switch t {
	case TypeGenericInboundSales, TypeRFP, TypeSecurity, TypeGDPR, TypeOther:
		return true
	}
	return false
}

// Describe is the phrase used for the type in generation prompts
func (t QuestionnaireType) Describe() string {
	switch t {
	case TypeGenericInboundSales:
		return "a generic inbound sales request"
	case TypeRFP:
		return "a request for proposal (RFP)"
	case TypeSecurity:
		return "a security questionnaire"
	case TypeGDPR:
		return "a GDPR / data protection questionnaire"
	}
	return "a general questionnaire"
}

// CustomerType classifies the customer who sent the questionnaire
type CustomerType string

const (
	CustomerGMP         CustomerType = "gmp"
	CustomerCSP         CustomerType = "csp"
	CustomerRTDP        CustomerType = "rtdp"
	CustomerBrandSafety CustomerType = "brand_safety"
	CustomerAI          CustomerType = "ai"
	CustomerOther       CustomerType = "other"
)

// IsValid checks the customer type against the recognised set
func (c CustomerType) IsValid() bool {
	switch c {
	case CustomerGMP, CustomerCSP, CustomerRTDP, CustomerBrandSafety, CustomerAI, CustomerOther:
		return true
	}
	return false
}

// Describe is the phrase used for the customer type in generation prompts
func (c CustomerType) Describe() string {
	switch c {
	case CustomerGMP:
		return "a global media platform"
	case CustomerCSP:
		return "a curation / supply platform"
	case CustomerRTDP:
		return "a real-time data partner"
	case CustomerBrandSafety:
		return "a brand safety vendor"
	case CustomerAI:
		return "an AI company"
	}
	return "a customer"
}

// Questionnaire is a submitted document plus its extracted questions and aggregate state
type Questionnaire struct {
	ID            string             `json:"id" bson:"_id"`
	Name          string             `json:"name" bson:"name"`
	Text          string             `json:"text" bson:"text"`
	Questions     []string           `json:"questions,omitempty" bson:"questions,omitempty"` // Ordered, set once extraction succeeds
	Type          QuestionnaireType  `json:"type" bson:"type"`
	CustomerType  CustomerType       `json:"customerType" bson:"customerType"`
	CreatedBy     string             `json:"createdBy,omitempty" bson:"createdBy,omitempty"`
	State         QuestionnaireState `json:"state" bson:"state"`
	Error         string             `json:"error,omitempty" bson:"error,omitempty"`
	DateCreated   time.Time          `json:"dateCreated" bson:"dateCreated"`
	DateCompleted *time.Time         `json:"dateCompleted,omitempty" bson:"dateCompleted,omitempty"`
	ApprovedAt    *time.Time         `json:"approvedAt,omitempty" bson:"approvedAt,omitempty"`

	// Derived from the answer store on read, never persisted
	TotalAnswersApproved int `json:"totalAnswersApproved" bson:"-"`
}

// StateChange is a compare-and-set update applied to a questionnaire row
type StateChange struct {
	To            QuestionnaireState
	Error         string
	Questions     []string
	DateCompleted *time.Time
}

// CreateQuestionnaireRequest is the input of QuestionnaireService.Create
type CreateQuestionnaireRequest struct {
	Name         string            `json:"name"`
	Text         string            `json:"text"`
	Type         QuestionnaireType `json:"type,omitempty"`
	CustomerType CustomerType      `json:"customerType,omitempty"`
	CreatedBy    string            `json:"createdBy,omitempty"`
}

const maxNameLength = 128

var nameRe = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)

// Validate trims the request, applies enum defaults and checks every field
func (r *CreateQuestionnaireRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.CreatedBy = strings.TrimSpace(r.CreatedBy)

	if r.Name == "" {
		return NewValidationError("name is required")
	}
	if len(r.Name) > maxNameLength {
		return NewValidationError("name must be at most 128 characters")
	}
	if !nameRe.MatchString(r.Name) {
		return NewValidationError("name may only contain letters, digits, spaces, hyphens and underscores")
	}
	if strings.TrimSpace(r.Text) == "" {
		return NewValidationError("text is required")
	}

	if r.Type == "" {
		r.Type = TypeOther
	}
	if !r.Type.IsValid() {
		return NewValidationError("invalid questionnaire type")
	}
	if r.CustomerType == "" {
		r.CustomerType = CustomerOther
	}
	if !r.CustomerType.IsValid() {
		return NewValidationError("invalid customer type")
	}
	return nil
}

// Page is one page of a cursor-paginated listing. Next is empty on the last page.
type Page[T any] struct {
	Items []T    `json:"items"`
	Next  string `json:"next,omitempty"`
}
