package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/migrate"
	"grantline/internal/objstore"
	"grantline/internal/tokens"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL     string
	Engine  engine.Engine
	Objects string
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	cache := tokens.NewMemoryCache()
	objects := filepath.Join(workspace, "objects")
	if err := os.MkdirAll(objects, 0o755); err != nil {
		t.Fatalf("objects dir: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		Tokens:   tokens.Issuer{Cache: cache, SingleUse: true},
		OTP:      tokens.OTPService{Cache: cache},
		Store:    objstore.FSStore{Root: objects},
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Objects: objects,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createTestApplication(t *testing.T, srv *testServer, status string) domain.Application {
	t.Helper()
	admin := adminHeaders(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications", map[string]any{
		"company_name": "Acme Well Services",
		"contracted_work": []map[string]any{
			{"work_id": "w-1", "well_authorization_number": "100", "contracted_work_type": "abandonment"},
		},
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create application status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Application
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal application: %v", err)
	}
	for _, s := range statusPath(status) {
		res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+a.GUID+"/status", map[string]any{
			"status": s,
		}, admin)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance to %s: %d %s", s, res.StatusCode, string(body))
		}
	}
	a.Status = status
	return a
}

func statusPath(target string) []string {
	order := []string{
		domain.StatusInReview,
		domain.StatusWaitForDocs,
		domain.StatusDocSubmitted,
		domain.StatusFirstPayApproved,
		domain.StatusSecondPayApproved,
	}
	var path []string
	for _, s := range order {
		if target == domain.StatusNotStarted {
			break
		}
		path = append(path, s)
		if s == target {
			break
		}
	}
	return path
}

func issueOTP(t *testing.T, srv *testServer, guid string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+guid+"/otp", nil, adminHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue otp: %d %s", res.StatusCode, string(data))
	}
	var body struct {
		OTP string `json:"otp"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal otp: %v", err)
	}
	return body.OTP
}

func TestSubmitDocumentsAsApplicant(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createTestApplication(t, srv, domain.StatusWaitForDocs)
	otp := issueOTP(t, srv, a.GUID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+a.GUID+"/documents", map[string]any{
		"documents": []map[string]any{
			{"document_name": "invoice.pdf", "object_store_path": "invoice.pdf"},
		},
		"confirm_final_documents": true,
	}, map[string]string{"X-Otp": otp})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var docs []domain.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		t.Fatalf("unmarshal docs: %v", err)
	}
	if len(docs) != 1 || docs[0].GUID == "" {
		t.Fatalf("unexpected docs: %+v", docs)
	}

	getRes, getBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/applications/"+a.GUID, nil, adminHeaders(t))
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get application: %d %s", getRes.StatusCode, string(getBody))
	}
	var fetched domain.Application
	_ = json.Unmarshal(getBody, &fetched)
	if fetched.Status != domain.StatusDocSubmitted {
		t.Fatalf("expected DOC_SUBMITTED, got %s", fetched.Status)
	}
}

func TestSubmitDocumentsRejectedWithoutCredential(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createTestApplication(t, srv, domain.StatusWaitForDocs)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+a.GUID+"/documents", map[string]any{
		"documents": []map[string]any{
			{"document_name": "invoice.pdf", "object_store_path": "invoice.pdf"},
		},
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestSubmitDocumentsWrongApplicationScope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createTestApplication(t, srv, domain.StatusWaitForDocs)
	b := createTestApplication(t, srv, domain.StatusWaitForDocs)
	otpForB := issueOTP(t, srv, b.GUID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+a.GUID+"/documents", map[string]any{
		"documents": []map[string]any{
			{"document_name": "sneaky.pdf", "object_store_path": "sneaky.pdf"},
		},
	}, map[string]string{"X-Otp": otpForB})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for cross-application otp, got %d %s", res.StatusCode, string(data))
	}
}

func TestDownloadTokenFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createTestApplication(t, srv, domain.StatusWaitForDocs)
	content := []byte("document bytes")
	if err := os.WriteFile(filepath.Join(srv.Objects, "invoice.pdf"), content, 0o644); err != nil {
		t.Fatalf("write object: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+a.GUID+"/documents", map[string]any{
		"documents": []map[string]any{
			{"document_name": "invoice.pdf", "object_store_path": "invoice.pdf"},
		},
	}, adminHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var docs []domain.Document
	_ = json.Unmarshal(data, &docs)

	tokRes, tokBody := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/applications/"+a.GUID+"/documents/"+docs[0].GUID+"/download-token", nil, adminHeaders(t))
	if tokRes.StatusCode != http.StatusCreated {
		t.Fatalf("issue token: %d %s", tokRes.StatusCode, string(tokBody))
	}
	var tok struct {
		TokenGUID string `json:"token_guid"`
	}
	_ = json.Unmarshal(tokBody, &tok)

	// redemption is anonymous
	dlRes, dlBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/download/"+tok.TokenGUID, nil, nil)
	if dlRes.StatusCode != http.StatusOK {
		t.Fatalf("download: %d %s", dlRes.StatusCode, string(dlBody))
	}
	if !bytes.Equal(dlBody, content) {
		t.Fatalf("download body mismatch: %q", string(dlBody))
	}
	if cd := dlRes.Header.Get("Content-Disposition"); cd == "" {
		t.Fatalf("expected Content-Disposition header")
	}

	// single-use: a second redeem fails
	dlRes2, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/download/"+tok.TokenGUID, nil, nil)
	if dlRes2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on reuse, got %d", dlRes2.StatusCode)
	}
}

func TestDownloadTokenOwnershipCheck(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createTestApplication(t, srv, domain.StatusWaitForDocs)
	b := createTestApplication(t, srv, domain.StatusWaitForDocs)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+a.GUID+"/documents", map[string]any{
		"documents": []map[string]any{
			{"document_name": "invoice.pdf", "object_store_path": "invoice.pdf"},
		},
	}, adminHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var docs []domain.Document
	_ = json.Unmarshal(data, &docs)

	// a document from application a addressed through application b reads as
	// absent
	tokRes, tokBody := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/applications/"+b.GUID+"/documents/"+docs[0].GUID+"/download-token", nil, adminHeaders(t))
	if tokRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", tokRes.StatusCode, string(tokBody))
	}
}

func TestApprovedWorkListingRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createTestApplication(t, srv, domain.StatusFirstPayApproved)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/approved-contracted-work", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 anonymous, got %d", res.StatusCode)
	}

	okRes, okBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/approved-contracted-work", nil, adminHeaders(t))
	if okRes.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", okRes.StatusCode, string(okBody))
	}
	var page struct {
		Records []domain.WorkRecord `json:"records"`
		Total   int                 `json:"total"`
	}
	if err := json.Unmarshal(okBody, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.Total != 1 || page.Records[0].InterimPaymentStatusCode != domain.PaymentInformationRequired {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestRecordWorkPaymentEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createTestApplication(t, srv, domain.StatusFirstPayApproved)

	res, data := doJSON(t, srv.Client(), http.MethodPut,
		srv.URL+"/v0/applications/"+a.GUID+"/contracted-work-payment/w-1", map[string]any{
			"interim_payment_status_code": domain.PaymentApproved,
		}, adminHeaders(t))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("record payment: %d %s", res.StatusCode, string(data))
	}

	listRes, listBody := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/approved-contracted-work?interim_payment_status_code="+domain.PaymentApproved, nil, adminHeaders(t))
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", listRes.StatusCode, string(listBody))
	}
	var page struct {
		Total int `json:"total"`
	}
	_ = json.Unmarshal(listBody, &page)
	if page.Total != 1 {
		t.Fatalf("expected recorded payment visible, got %+v", page)
	}
}

func TestErrorClassification(t *testing.T) {
	ve := handleError(engine.ValidationError{Msg: "company_name is required"})
	if ve.GetStatus() != http.StatusBadRequest {
		t.Fatalf("validation error status %d", ve.GetStatus())
	}
	if ve.Error() != "company_name is required" {
		t.Fatalf("validation message lost: %q", ve.Error())
	}

	// an infrastructure error whose text mentions "invalid" must stay opaque
	infra := handleError(errors.New("driver: invalid connection"))
	if infra.GetStatus() != http.StatusInternalServerError {
		t.Fatalf("infra error status %d", infra.GetStatus())
	}
	if infra.Error() != "internal error" {
		t.Fatalf("infra detail leaked: %q", infra.Error())
	}
}

func TestInvalidTransitionReturnsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createTestApplication(t, srv, domain.StatusNotStarted)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+a.GUID+"/status", map[string]any{
		"status": domain.StatusFirstPayApproved,
	}, adminHeaders(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestInvalidBearerRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/applications", nil,
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}
