package server

import (
	"grantline/internal/domain"
	"grantline/internal/engine"
)

// Request payloads

type CreateApplicationRequest struct {
	GUID        *string               `json:"guid,omitempty"`
	CompanyName string                `json:"company_name"`
	Work        []ContractedWorkInput `json:"contracted_work,omitempty"`
}

type ContractedWorkInput struct {
	WorkID                  string `json:"work_id"`
	WellAuthorizationNumber string `json:"well_authorization_number"`
	ContractedWorkType      string `json:"contracted_work_type"`
}

type SubmitDocumentsRequest struct {
	Documents             []DocumentUploadInput `json:"documents"`
	ConfirmFinalDocuments bool                  `json:"confirm_final_documents,omitempty"`
	Note                  string                `json:"note,omitempty"`
}

type DocumentUploadInput struct {
	Name            string `json:"document_name"`
	ObjectStorePath string `json:"object_store_path"`
}

type AdvanceStatusRequest struct {
	Status string `json:"status" enum:"NOT_STARTED,IN_REVIEW,WAIT_FOR_DOCS,DOC_SUBMITTED,FIRST_PAY_APPROVED,SECOND_PAY_APPROVED,REJECTED,WITHDRAWN"`
	Note   string `json:"note,omitempty"`
}

type RecordWorkPaymentRequest struct {
	InterimPaymentStatusCode string   `json:"interim_payment_status_code,omitempty"`
	FinalPaymentStatusCode   string   `json:"final_payment_status_code,omitempty"`
	InterimApprovedAmount    *float64 `json:"interim_approved_amount,omitempty"`
	FinalApprovedAmount      *float64 `json:"final_approved_amount,omitempty"`
}

// Response payloads

type ApplicationResponse struct {
	ID          int64  `json:"id"`
	GUID        string `json:"guid"`
	CompanyName string `json:"company_name"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

type DocumentResponse struct {
	GUID            string `json:"guid"`
	ApplicationGUID string `json:"application_guid"`
	Name            string `json:"document_name"`
	Category        string `json:"category"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type StatusChangeResponse struct {
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DownloadTokenResponse struct {
	TokenGUID string `json:"token_guid"`
}

type OTPResponse struct {
	OTP string `json:"otp"`
}

type WorkPageResponse struct {
	Records      []domain.WorkRecord `json:"records"`
	CurrentPage  int                 `json:"current_page"`
	ItemsPerPage int                 `json:"items_per_page"`
	TotalPages   int                 `json:"total_pages"`
	Total        int                 `json:"total"`
}

// Conversion helpers

func applicationResponse(a domain.Application) ApplicationResponse {
	return ApplicationResponse(a)
}

func mapApplications(in []domain.Application) []ApplicationResponse {
	out := make([]ApplicationResponse, 0, len(in))
	for _, a := range in {
		out = append(out, applicationResponse(a))
	}
	return out
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse{
		GUID:            d.GUID,
		ApplicationGUID: d.ApplicationGUID,
		Name:            d.Name,
		Category:        d.Category,
		CreatedAt:       d.CreatedAt,
	}
}

func mapDocuments(in []domain.Document) []DocumentResponse {
	out := make([]DocumentResponse, 0, len(in))
	for _, d := range in {
		out = append(out, documentResponse(d))
	}
	return out
}

func mapStatusChanges(in []domain.StatusChange) []StatusChangeResponse {
	out := make([]StatusChangeResponse, 0, len(in))
	for _, sc := range in {
		out = append(out, StatusChangeResponse{
			Status:    sc.Status,
			Note:      sc.Note,
			ActorID:   sc.ActorID,
			CreatedAt: sc.CreatedAt,
		})
	}
	return out
}

func workPageResponse(p engine.WorkPage) WorkPageResponse {
	if p.Records == nil {
		p.Records = []domain.WorkRecord{}
	}
	return WorkPageResponse(p)
}
