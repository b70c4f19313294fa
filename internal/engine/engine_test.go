package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/engine/auth"
	"grantline/internal/migrate"
	"grantline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	admin     = auth.Admin{Subject: "tester"}
	applicant = func(guid string) auth.Applicant { return auth.Applicant{ApplicationGUID: guid} }
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createApplication(t *testing.T, env testEnv, work ...domain.ContractedWork) domain.Application {
	t.Helper()
	a, err := env.Engine.CreateApplication(env.Ctx, engine.ApplicationCreateOptions{
		CompanyName: "Acme Well Services",
		Work:        work,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	return a
}

func advanceTo(t *testing.T, env testEnv, guid string, statuses ...string) {
	t.Helper()
	for _, s := range statuses {
		if _, err := env.Engine.AdvanceStatus(env.Ctx, guid, s, "", admin); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
}

func TestApplicationStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env)
	if a.Status != domain.StatusNotStarted {
		t.Fatalf("expected NOT_STARTED, got %s", a.Status)
	}
	advanceTo(t, env, a.GUID, domain.StatusInReview, domain.StatusWaitForDocs, domain.StatusDocSubmitted, domain.StatusFirstPayApproved, domain.StatusSecondPayApproved)

	// no backwards path out of a terminal-ish state
	_, err := env.Engine.AdvanceStatus(env.Ctx, a.GUID, domain.StatusWaitForDocs, "", admin)
	if err == nil {
		t.Fatalf("expected transition error")
	}
	// same-status is a no-op, not an error
	if _, err := env.Engine.AdvanceStatus(env.Ctx, a.GUID, domain.StatusSecondPayApproved, "", admin); err != nil {
		t.Fatalf("same-status advance: %v", err)
	}
}

func TestAdvanceStatusRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env)
	_, err := env.Engine.AdvanceStatus(env.Ctx, a.GUID, domain.StatusInReview, "", applicant(a.GUID))
	var ue auth.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSubmitDocumentsGate(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env)
	upload := []engine.DocumentUpload{{Name: "invoice.pdf", ObjectStorePath: "objects/invoice.pdf"}}

	// closed while the application is not waiting for documents
	_, err := env.Engine.SubmitDocuments(env.Ctx, engine.DocumentSubmitOptions{
		ApplicationGUID: a.GUID,
		Documents:       upload,
		Credential:      applicant(a.GUID),
	})
	var ue auth.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected unauthorized while gate closed, got %v", err)
	}
	// the denial leaves no trace: no document rows, no status movement, no
	// new history entries
	leftover, err := env.Engine.Repo.ListDocuments(env.Ctx, a.GUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(leftover) != 0 {
		t.Fatalf("denied submit must not save documents, found %d", len(leftover))
	}
	got, err := env.Engine.Repo.GetApplication(env.Ctx, a.GUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusNotStarted {
		t.Fatalf("denied submit must not move status, got %s", got.Status)
	}
	history, err := env.Engine.Repo.ListStatusChanges(env.Ctx, a.GUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("denied submit must not record a status change, got %d entries", len(history))
	}

	advanceTo(t, env, a.GUID, domain.StatusInReview, domain.StatusWaitForDocs)
	docs, err := env.Engine.SubmitDocuments(env.Ctx, engine.DocumentSubmitOptions{
		ApplicationGUID: a.GUID,
		Documents:       upload,
		Credential:      applicant(a.GUID),
	})
	if err != nil {
		t.Fatalf("submit while open: %v", err)
	}
	if len(docs) != 1 || docs[0].Category != domain.DocSupporting {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	got, err = env.Engine.Repo.GetApplication(env.Ctx, a.GUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusWaitForDocs {
		t.Fatalf("submit without confirm should not advance, got %s", got.Status)
	}
}

func TestSubmitDocumentsConfirmAdvances(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env)
	advanceTo(t, env, a.GUID, domain.StatusInReview, domain.StatusWaitForDocs)

	_, err := env.Engine.SubmitDocuments(env.Ctx, engine.DocumentSubmitOptions{
		ApplicationGUID:       a.GUID,
		Documents:             []engine.DocumentUpload{{Name: "invoice.pdf", ObjectStorePath: "objects/invoice.pdf"}},
		ConfirmFinalDocuments: true,
		Credential:            applicant(a.GUID),
	})
	if err != nil {
		t.Fatalf("submit with confirm: %v", err)
	}
	got, _ := env.Engine.Repo.GetApplication(env.Ctx, a.GUID)
	if got.Status != domain.StatusDocSubmitted {
		t.Fatalf("expected DOC_SUBMITTED, got %s", got.Status)
	}
}

func TestSubmitZeroDocumentsConfirmStillAdvances(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env)
	advanceTo(t, env, a.GUID, domain.StatusInReview, domain.StatusWaitForDocs)

	docs, err := env.Engine.SubmitDocuments(env.Ctx, engine.DocumentSubmitOptions{
		ApplicationGUID:       a.GUID,
		ConfirmFinalDocuments: true,
		Credential:            admin,
	})
	if err != nil {
		t.Fatalf("zero-doc confirm: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no documents, got %d", len(docs))
	}
	got, _ := env.Engine.Repo.GetApplication(env.Ctx, a.GUID)
	if got.Status != domain.StatusDocSubmitted {
		t.Fatalf("expected DOC_SUBMITTED, got %s", got.Status)
	}
}

func TestSubmitDocumentsAdminBypassesGate(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env)
	docs, err := env.Engine.SubmitDocuments(env.Ctx, engine.DocumentSubmitOptions{
		ApplicationGUID: a.GUID,
		Documents:       []engine.DocumentUpload{{Name: "late.pdf", ObjectStorePath: "objects/late.pdf"}},
		Credential:      admin,
	})
	if err != nil {
		t.Fatalf("admin submit: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one document, got %d", len(docs))
	}
}

func TestSubmitDocumentsScopedCredential(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env)
	b := createApplication(t, env)
	advanceTo(t, env, a.GUID, domain.StatusInReview, domain.StatusWaitForDocs)

	// an applicant credential for b submitting against a is rejected at the
	// server boundary; the engine gate still rejects non-admins outside
	// WAIT_FOR_DOCS
	_, err := env.Engine.SubmitDocuments(env.Ctx, engine.DocumentSubmitOptions{
		ApplicationGUID: b.GUID,
		Documents:       []engine.DocumentUpload{{Name: "x.pdf", ObjectStorePath: "objects/x.pdf"}},
		Credential:      applicant(b.GUID),
	})
	var ue auth.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRecordWorkPaymentUnknownWork(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env, domain.ContractedWork{WorkID: "w1", WellAuthorizationNumber: "100", ContractedWorkType: "abandonment"})
	err := env.Engine.RecordWorkPayment(env.Ctx, a.GUID, domain.WorkPayment{WorkID: "missing"}, admin)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordWorkPaymentDefaultsStatuses(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env, domain.ContractedWork{WorkID: "w1", WellAuthorizationNumber: "100", ContractedWorkType: "abandonment"})
	err := env.Engine.RecordWorkPayment(env.Ctx, a.GUID, domain.WorkPayment{
		WorkID:                   "w1",
		InterimPaymentStatusCode: domain.PaymentApproved,
	}, admin)
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	records, err := env.Engine.ApprovedWork(env.Ctx, a.GUID, admin)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].InterimPaymentStatusCode != domain.PaymentApproved {
		t.Fatalf("interim status: %s", records[0].InterimPaymentStatusCode)
	}
	if records[0].FinalPaymentStatusCode != domain.PaymentInformationRequired {
		t.Fatalf("final status should default, got %s", records[0].FinalPaymentStatusCode)
	}
}

func TestApprovedWorkRequiresScope(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env, domain.ContractedWork{WorkID: "w1"})
	if _, err := env.Engine.ApprovedWork(env.Ctx, a.GUID, applicant("other-guid")); err == nil {
		t.Fatalf("expected unauthorized")
	}
	if _, err := env.Engine.ApprovedWork(env.Ctx, a.GUID, applicant(a.GUID)); err != nil {
		t.Fatalf("scoped applicant should read: %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	a := createApplication(t, env)
	advanceTo(t, env, a.GUID, domain.StatusInReview, domain.StatusWaitForDocs)
	_, err := env.Engine.SubmitDocuments(env.Ctx, engine.DocumentSubmitOptions{
		ApplicationGUID:       a.GUID,
		Documents:             []engine.DocumentUpload{{Name: "a.pdf", ObjectStorePath: "objects/a.pdf"}},
		ConfirmFinalDocuments: true,
		Credential:            applicant(a.GUID),
	})
	if err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, a.GUID, "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	// created + 3 status changes + 1 document registration
	if len(events) < 5 {
		t.Fatalf("expected at least 5 events, got %d", len(events))
	}
}
