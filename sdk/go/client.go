package grantlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Grantline HTTP API client. BearerToken authenticates
// an administrator; OTP authenticates an applicant scoped to one
// application. Set at most one.
type Client struct {
	BaseURL     string
	BearerToken string
	OTP         string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Application represents the API application model.
type Application struct {
	ID          int64  `json:"id"`
	GUID        string `json:"guid"`
	CompanyName string `json:"company_name"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// Document represents a registered document.
type Document struct {
	GUID            string `json:"guid"`
	ApplicationGUID string `json:"application_guid"`
	Name            string `json:"document_name"`
	Category        string `json:"category"`
	CreatedAt       string `json:"created_at"`
}

// StatusChange is one entry of an application's status history.
type StatusChange struct {
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actor_id"`
	CreatedAt string `json:"created_at"`
}

// WorkRecord is one contracted work payment record.
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

// WorkPage wraps a paginated work listing.
type WorkPage struct {
	Records      []WorkRecord `json:"records"`
	CurrentPage  int          `json:"current_page"`
	ItemsPerPage int          `json:"items_per_page"`
	TotalPages   int          `json:"total_pages"`
	Total        int          `json:"total"`
}

// WorkQuery carries the filters, sort, and pagination for ListApprovedWork.
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

// DocumentUpload names one pre-uploaded object to register.
type DocumentUpload struct {
	Name            string `json:"document_name"`
	ObjectStorePath string `json:"object_store_path"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetApplication fetches one application.
func (c *Client) GetApplication(ctx context.Context, guid string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodGet, "v0/applications/"+url.PathEscape(guid), nil, &resp)
	return resp, err
}

// StatusHistory returns an application's status history, newest first.
func (c *Client) StatusHistory(ctx context.Context, guid string) ([]StatusChange, error) {
	var resp []StatusChange
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/applications/%s/status", url.PathEscape(guid)), nil, &resp)
	return resp, err
}

// SubmitDocuments registers uploaded documents against an application.
func (c *Client) SubmitDocuments(ctx context.Context, guid string, docs []DocumentUpload, confirmFinal bool) ([]Document, error) {
	body := map[string]any{
		"documents":               docs,
		"confirm_final_documents": confirmFinal,
	}
	var resp []Document
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/applications/%s/documents", url.PathEscape(guid)), body, &resp)
	return resp, err
}

// IssueDownloadToken mints a short-lived token for one document.
func (c *Client) IssueDownloadToken(ctx context.Context, applicationGUID, documentGUID string) (string, error) {
	var resp struct {
		TokenGUID string `json:"token_guid"`
	}
	endpoint := fmt.Sprintf("v0/applications/%s/documents/%s/download-token",
		url.PathEscape(applicationGUID), url.PathEscape(documentGUID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.TokenGUID, err
}

// Download redeems a token and returns the document bytes. The caller closes
// the reader.
func (c *Client) Download(ctx context.Context, tokenGUID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base()+"/v0/download/"+url.PathEscape(tokenGUID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp.Body, nil
}

// ListApprovedWork queries contracted work payment records.
func (c *Client) ListApprovedWork(ctx context.Context, q WorkQuery) (WorkPage, error) {
	params := url.Values{}
	if q.ApplicationID != 0 {
		params.Set("application_id", strconv.FormatInt(q.ApplicationID, 10))
	}
	if q.WorkID != "" {
		params.Set("work_id", q.WorkID)
	}
	if q.WellAuthorizationNumber != "" {
		params.Set("well_authorization_number", q.WellAuthorizationNumber)
	}
	for _, v := range q.ContractedWorkTypes {
		params.Add("contracted_work_type", v)
	}
	for _, v := range q.InterimStatusCodes {
		params.Add("interim_payment_status_code", v)
	}
	for _, v := range q.FinalStatusCodes {
		params.Add("final_payment_status_code", v)
	}
	if q.SortField != "" {
		params.Set("sort_field", q.SortField)
	}
	if q.SortDir != "" {
		params.Set("sort_dir", q.SortDir)
	}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		params.Set("per_page", strconv.Itoa(q.PerPage))
	}
	endpoint := "v0/approved-contracted-work"
	if enc := params.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp WorkPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.OTP != "":
		req.Header.Set("X-Otp", c.OTP)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
