package engine

import (
	"context"
	"sort"

	"grantline/internal/domain"
	"grantline/internal/repo"
)

// WorkQuery holds the filter, sort, and pagination parameters for the
// approved contracted-work listing. Zero values mean "no filter".
type WorkQuery struct {
	ApplicationID           int64
	WorkID                  string
	WellAuthorizationNumber string
	ContractedWorkTypes     []string
	InterimStatusCodes      []string
	FinalStatusCodes        []string
	SortField               string
	SortDir                 string
	Page                    int
	PerPage                 int
}

const (
	PageDefault    = 1
	PerPageDefault = 25
)

// WorkPage is one page of enriched work records plus total-count metadata.
type WorkPage struct {
	Records      []domain.WorkRecord `json:"records"`
	CurrentPage  int                 `json:"current_page"`
	ItemsPerPage int                 `json:"items_per_page"`
	TotalPages   int                 `json:"total_pages"`
	Total        int                 `json:"total"`
}

// ListApprovedWork produces the filtered, sorted, paginated view over all
// contracted-work items on first-payment-approved applications. Records are
// enriched with derived payment statuses before any predicate or comparison
// runs. The per-application loads are not a point-in-time snapshot.
func (e Engine) ListApprovedWork(ctx context.Context, q WorkQuery) (WorkPage, error) {
	apps, err := e.Repo.ListApplications(ctx, repo.ApplicationFilters{Status: domain.StatusFirstPayApproved})
	if err != nil {
		return WorkPage{}, err
	}

	var records []domain.WorkRecord
	for _, a := range apps {
		items, err := e.Repo.ListContractedWork(ctx, a)
		if err != nil {
			return WorkPage{}, err
		}
		for _, w := range items {
			records = append(records, enrichWork(w))
		}
	}

	records = filterWork(records, q)
	sortWork(records, q.SortField, q.SortDir)
	return paginateWork(records, q.Page, q.PerPage), nil
}

// enrichWork populates the derived view record; a missing payment sub-record
// derives to INFORMATION_REQUIRED for both statuses.
func enrichWork(w domain.ContractedWork) domain.WorkRecord {
	rec := domain.WorkRecord{
		ApplicationID:            w.ApplicationID,
		ApplicationGUID:          w.ApplicationGUID,
		WorkID:                   w.WorkID,
		WellAuthorizationNumber:  w.WellAuthorizationNumber,
		ContractedWorkType:       w.ContractedWorkType,
		InterimPaymentStatusCode: domain.PaymentInformationRequired,
		FinalPaymentStatusCode:   domain.PaymentInformationRequired,
	}
	if w.Payment != nil {
		if w.Payment.InterimPaymentStatusCode != "" {
			rec.InterimPaymentStatusCode = w.Payment.InterimPaymentStatusCode
		}
		if w.Payment.FinalPaymentStatusCode != "" {
			rec.FinalPaymentStatusCode = w.Payment.FinalPaymentStatusCode
		}
		rec.InterimApprovedAmount = w.Payment.InterimApprovedAmount
		rec.FinalApprovedAmount = w.Payment.FinalApprovedAmount
	}
	return rec
}

func filterWork(records []domain.WorkRecord, q WorkQuery) []domain.WorkRecord {
	out := records[:0]
	for _, rec := range records {
		if q.ApplicationID != 0 && rec.ApplicationID != q.ApplicationID {
			continue
		}
		if q.WorkID != "" && rec.WorkID != q.WorkID {
			continue
		}
		if q.WellAuthorizationNumber != "" && rec.WellAuthorizationNumber != q.WellAuthorizationNumber {
			continue
		}
		if len(q.ContractedWorkTypes) > 0 && !contains(q.ContractedWorkTypes, rec.ContractedWorkType) {
			continue
		}
		if len(q.InterimStatusCodes) > 0 && !contains(q.InterimStatusCodes, rec.InterimPaymentStatusCode) {
			continue
		}
		if len(q.FinalStatusCodes) > 0 && !contains(q.FinalStatusCodes, rec.FinalPaymentStatusCode) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// sortWork orders records on the requested field; ties keep flattening order.
// An unrecognized field leaves the order untouched.
func sortWork(records []domain.WorkRecord, field, dir string) {
	if field == "" {
		field = "application_id"
	}
	var less func(a, b domain.WorkRecord) bool
	switch field {
	case "application_id":
		less = func(a, b domain.WorkRecord) bool { return a.ApplicationID < b.ApplicationID }
	case "work_id":
		less = func(a, b domain.WorkRecord) bool { return a.WorkID < b.WorkID }
	case "well_authorization_number":
		less = func(a, b domain.WorkRecord) bool { return a.WellAuthorizationNumber < b.WellAuthorizationNumber }
	case "contracted_work_type":
		less = func(a, b domain.WorkRecord) bool { return a.ContractedWorkType < b.ContractedWorkType }
	case "interim_payment_status_code":
		less = func(a, b domain.WorkRecord) bool { return a.InterimPaymentStatusCode < b.InterimPaymentStatusCode }
	case "final_payment_status_code":
		less = func(a, b domain.WorkRecord) bool { return a.FinalPaymentStatusCode < b.FinalPaymentStatusCode }
	default:
		return
	}
	reverse := dir == "desc"
	sort.SliceStable(records, func(i, j int) bool {
		if reverse {
			return less(records[j], records[i])
		}
		return less(records[i], records[j])
	})
}

// paginateWork slices out a 1-based page; an out-of-range page yields an
// empty slice with the total still correct.
func paginateWork(records []domain.WorkRecord, page, perPage int) WorkPage {
	if page <= 0 {
		page = PageDefault
	}
	if perPage <= 0 {
		perPage = PerPageDefault
	}
	total := len(records)
	totalPages := (total + perPage - 1) / perPage
	start := (page - 1) * perPage
	items := []domain.WorkRecord{}
	if start < total {
		end := start + perPage
		if end > total {
			end = total
		}
		items = records[start:end]
	}
	return WorkPage{
		Records:      items,
		CurrentPage:  page,
		ItemsPerPage: perPage,
		TotalPages:   totalPages,
		Total:        total,
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
