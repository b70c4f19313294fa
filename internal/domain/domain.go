package domain

// Application lifecycle status codes. Status only changes through a recorded
// StatusChange; the history is append-only.
const (
	StatusNotStarted        = "NOT_STARTED"
	StatusInReview          = "IN_REVIEW"
	StatusWaitForDocs       = "WAIT_FOR_DOCS"
	StatusDocSubmitted      = "DOC_SUBMITTED"
	StatusFirstPayApproved  = "FIRST_PAY_APPROVED"
	StatusSecondPayApproved = "SECOND_PAY_APPROVED"
	StatusRejected          = "REJECTED"
	StatusWithdrawn         = "WITHDRAWN"
)

// Payment status codes for contracted work. A work item with no payment
// sub-record derives to PaymentInformationRequired for both interim and
// final status.
const (
	PaymentInformationRequired = "INFORMATION_REQUIRED"
	PaymentReadyForReview      = "READY_FOR_REVIEW"
	PaymentUnderReview         = "UNDER_REVIEW"
	PaymentApproved            = "APPROVED"
	PaymentRejected            = "REJECTED"
)

// Document category codes.
const (
	DocSupporting = "SUPPORTING_DOC"
	DocPayment    = "PAYMENT_DOC"
)

type Application struct {
	ID          int64  `json:"id"`
	GUID        string `json:"guid"`
	CompanyName string `json:"company_name"`
	Status      string `json:"status" enum:"NOT_STARTED,IN_REVIEW,WAIT_FOR_DOCS,DOC_SUBMITTED,FIRST_PAY_APPROVED,SECOND_PAY_APPROVED,REJECTED,WITHDRAWN"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

type Document struct {
	GUID            string `json:"guid"`
	ApplicationGUID string `json:"application_guid"`
	Name            string `json:"name"`
	ObjectStorePath string `json:"object_store_path"`
	Category        string `json:"category" enum:"SUPPORTING_DOC,PAYMENT_DOC"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// StatusChange is an immutable fact; creating one is the only legal way an
// application's status advances.
type StatusChange struct {
	ID              int64  `json:"id"`
	ApplicationGUID string `json:"application_guid"`
	Status          string `json:"status"`
	Note            string `json:"note,omitempty"`
	ActorID         string `json:"actor_id"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type ContractedWork struct {
	ApplicationID           int64        `json:"application_id"`
	ApplicationGUID         string       `json:"application_guid"`
	WorkID                  string       `json:"work_id"`
	WellAuthorizationNumber string       `json:"well_authorization_number"`
	ContractedWorkType      string       `json:"contracted_work_type"`
	Payment                 *WorkPayment `json:"contracted_work_payment,omitempty"`
}

type WorkPayment struct {
	WorkID                   string   `json:"work_id"`
	InterimPaymentStatusCode string   `json:"interim_payment_status_code"`
	FinalPaymentStatusCode   string   `json:"final_payment_status_code"`
	InterimApprovedAmount    *float64 `json:"interim_approved_amount,omitempty"`
	FinalApprovedAmount      *float64 `json:"final_approved_amount,omitempty"`
	UpdatedAt                string   `json:"updated_at" format:"date-time"`
}

// WorkRecord is the enriched listing view of a ContractedWork item: derived
// payment statuses are always populated, never empty.
type WorkRecord struct {
	ApplicationID            int64    `json:"application_id"`
	ApplicationGUID          string   `json:"application_guid"`
	WorkID                   string   `json:"work_id"`
	WellAuthorizationNumber  string   `json:"well_authorization_number"`
	ContractedWorkType       string   `json:"contracted_work_type"`
	InterimPaymentStatusCode string   `json:"interim_payment_status_code"`
	FinalPaymentStatusCode   string   `json:"final_payment_status_code"`
	InterimApprovedAmount    *float64 `json:"interim_approved_amount,omitempty"`
	FinalApprovedAmount      *float64 `json:"final_approved_amount,omitempty"`
}

type Event struct {
	ID              int64  `json:"id"`
	TS              string `json:"ts" format:"date-time"`
	Type            string `json:"type"`
	ApplicationGUID string `json:"application_guid,omitempty"`
	EntityKind      string `json:"entity_kind"`
	EntityID        string `json:"entity_id,omitempty"`
	ActorID         string `json:"actor_id"`
	Payload         string `json:"payload_json"`
}
