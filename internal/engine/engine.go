package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"grantline/internal/config"
	"grantline/internal/domain"
	"grantline/internal/engine/auth"
	"grantline/internal/events"
	"grantline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ValidationError marks caller input the engine rejected. The API layer maps
// it to a 400 with the message intact; other errors stay opaque.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ApplicationCreateOptions are parameters for registering a new application.
type ApplicationCreateOptions struct {
	GUID        string
	CompanyName string
	Work        []domain.ContractedWork
	ActorID     string
}

func (e Engine) CreateApplication(ctx context.Context, opts ApplicationCreateOptions) (domain.Application, error) {
	if opts.CompanyName == "" {
		return domain.Application{}, ValidationError{Msg: "company_name is required"}
	}
	guid := opts.GUID
	if guid == "" {
		guid = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Application{
		GUID:        guid,
		CompanyName: opts.CompanyName,
		Status:      domain.StatusNotStarted,
		SubmittedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertApplication(ctx, tx, a)
	if err != nil {
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	a.ID = id
	for _, w := range opts.Work {
		w.ApplicationGUID = a.GUID
		if err := e.Repo.InsertContractedWork(ctx, tx, w); err != nil {
			return domain.Application{}, fmt.Errorf("insert contracted work %s: %w", w.WorkID, err)
		}
	}
	if err := e.Repo.InsertStatusChangeTx(ctx, tx, domain.StatusChange{
		ApplicationGUID: a.GUID,
		Status:          a.Status,
		ActorID:         opts.ActorID,
		CreatedAt:       now,
	}); err != nil {
		return domain.Application{}, err
	}
	if err := e.Events.Append(ctx, tx, "application.created", a.GUID, "application", a.GUID, opts.ActorID, events.EventPayload{"status": a.Status}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	return a, nil
}

// DocumentUpload names one uploaded file whose bytes already landed in the
// object store.
type DocumentUpload struct {
	Name            string
	ObjectStorePath string
}

// DocumentSubmitOptions are parameters for registering supporting documents.
type DocumentSubmitOptions struct {
	ApplicationGUID       string
	Documents             []DocumentUpload
	ConfirmFinalDocuments bool
	Note                  string
	Credential            auth.Credential
}

// SubmitDocuments authorizes and registers a batch of supporting documents.
// The gate check runs before any write: uploads are permitted only while the
// application is waiting for documents, or for administrators at any time.
// Document rows and the optional DOC_SUBMITTED status advance commit in one
// transaction, so readers observe either all of it or none of it.
func (e Engine) SubmitDocuments(ctx context.Context, opts DocumentSubmitOptions) ([]domain.Document, error) {
	if opts.Credential == nil {
		opts.Credential = auth.Anonymous{}
	}
	a, err := e.Repo.GetApplication(ctx, opts.ApplicationGUID)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.StatusWaitForDocs && !opts.Credential.IsAdmin() {
		return nil, auth.UnauthorizedError{Reason: "not currently accepting documents on this application"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	actorID := opts.Credential.ActorID()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	docs := make([]domain.Document, 0, len(opts.Documents))
	for _, u := range opts.Documents {
		if u.Name == "" || u.ObjectStorePath == "" {
			return nil, ValidationError{Msg: "document name and object_store_path are required"}
		}
		d := domain.Document{
			GUID:            uuid.New().String(),
			ApplicationGUID: a.GUID,
			Name:            u.Name,
			ObjectStorePath: u.ObjectStorePath,
			Category:        domain.DocSupporting,
			CreatedAt:       now,
		}
		if err := e.Repo.InsertDocumentTx(ctx, tx, d); err != nil {
			return nil, fmt.Errorf("insert document %s: %w", d.Name, err)
		}
		if err := e.Events.Append(ctx, tx, "document.registered", a.GUID, "document", d.GUID, actorID, events.EventPayload{"name": d.Name, "category": d.Category}); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}

	// A confirm with zero new documents is an admin-confirmed resubmission
	// and still advances status.
	if opts.ConfirmFinalDocuments {
		if err := e.advanceStatusTx(ctx, tx, a, domain.StatusDocSubmitted, opts.Note, actorID, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return docs, nil
}

// AdvanceStatus moves an application to a new lifecycle status, recording the
// StatusChange fact. Administrators only.
func (e Engine) AdvanceStatus(ctx context.Context, guid, status, note string, cred auth.Credential) (domain.Application, error) {
	if cred == nil || !cred.IsAdmin() {
		return domain.Application{}, auth.UnauthorizedError{Reason: "status changes require administrator privilege"}
	}
	a, err := e.Repo.GetApplication(ctx, guid)
	if err != nil {
		return domain.Application{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	if err := e.advanceStatusTx(ctx, tx, a, status, note, cred.ActorID(), now); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	a.Status = status
	return a, nil
}

func (e Engine) advanceStatusTx(ctx context.Context, tx *sql.Tx, a domain.Application, status, note, actorID, now string) error {
	if err := ensureStatusTransition(a.Status, status); err != nil {
		return err
	}
	if err := e.Repo.UpdateApplicationStatusTx(ctx, tx, a.GUID, status); err != nil {
		return err
	}
	if err := e.Repo.InsertStatusChangeTx(ctx, tx, domain.StatusChange{
		ApplicationGUID: a.GUID,
		Status:          status,
		Note:            note,
		ActorID:         actorID,
		CreatedAt:       now,
	}); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "application.status_changed", a.GUID, "application", a.GUID, actorID, events.EventPayload{
		"from_status": a.Status,
		"to_status":   status,
	})
}

func ensureStatusTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case domain.StatusNotStarted:
		if newStatus == domain.StatusInReview || newStatus == domain.StatusWithdrawn {
			return nil
		}
	case domain.StatusInReview:
		switch newStatus {
		case domain.StatusWaitForDocs, domain.StatusRejected, domain.StatusWithdrawn:
			return nil
		}
	case domain.StatusWaitForDocs:
		if newStatus == domain.StatusDocSubmitted || newStatus == domain.StatusWithdrawn {
			return nil
		}
	case domain.StatusDocSubmitted:
		switch newStatus {
		case domain.StatusWaitForDocs, domain.StatusFirstPayApproved, domain.StatusRejected, domain.StatusWithdrawn:
			return nil
		}
	case domain.StatusFirstPayApproved:
		if newStatus == domain.StatusSecondPayApproved || newStatus == domain.StatusWithdrawn {
			return nil
		}
	}
	return ValidationError{Msg: fmt.Sprintf("invalid application status transition %s -> %s", oldStatus, newStatus)}
}

// ApprovedWork returns one application's contracted work enriched with
// derived payment statuses, for the applicant-facing payment view.
func (e Engine) ApprovedWork(ctx context.Context, guid string, cred auth.Credential) ([]domain.WorkRecord, error) {
	if cred == nil || (!cred.IsAdmin() && !cred.CanAccessApplication(guid)) {
		return nil, auth.UnauthorizedError{Reason: "credential not scoped to this application"}
	}
	a, err := e.Repo.GetApplication(ctx, guid)
	if err != nil {
		return nil, err
	}
	items, err := e.Repo.ListContractedWork(ctx, a)
	if err != nil {
		return nil, err
	}
	records := make([]domain.WorkRecord, 0, len(items))
	for _, w := range items {
		records = append(records, enrichWork(w))
	}
	return records, nil
}

// RecordWorkPayment upserts a payment sub-record for one work item.
// Administrators only; the derived INFORMATION_REQUIRED status disappears for
// the statuses the record now carries.
func (e Engine) RecordWorkPayment(ctx context.Context, guid string, p domain.WorkPayment, cred auth.Credential) error {
	if cred == nil || !cred.IsAdmin() {
		return auth.UnauthorizedError{Reason: "payment records require administrator privilege"}
	}
	a, err := e.Repo.GetApplication(ctx, guid)
	if err != nil {
		return err
	}
	items, err := e.Repo.ListContractedWork(ctx, a)
	if err != nil {
		return err
	}
	found := false
	for _, w := range items {
		if w.WorkID == p.WorkID {
			found = true
			break
		}
	}
	if !found {
		return repo.ErrNotFound
	}
	if p.InterimPaymentStatusCode == "" {
		p.InterimPaymentStatusCode = domain.PaymentInformationRequired
	}
	if p.FinalPaymentStatusCode == "" {
		p.FinalPaymentStatusCode = domain.PaymentInformationRequired
	}
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertWorkPayment(ctx, tx, a.GUID, p); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "work_payment.recorded", a.GUID, "contracted_work", p.WorkID, cred.ActorID(), events.EventPayload{
		"interim_payment_status_code": p.InterimPaymentStatusCode,
		"final_payment_status_code":   p.FinalPaymentStatusCode,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
