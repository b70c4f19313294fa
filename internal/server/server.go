package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/engine/auth"
	"grantline/internal/objstore"
	"grantline/internal/repo"
	"grantline/internal/tokens"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Tokens   tokens.Issuer
	OTP      tokens.OTPService
	Store    objstore.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unauthorized"`
	Message string         `json:"message" example:"credential not scoped to this application"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Grantline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	cfg.Auth.OTP = cfg.OTP
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Grantline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerApplications(group, cfg.Engine)
	registerDocuments(group, cfg)
	registerWork(group, cfg.Engine)
	registerOTP(group, cfg.OTP, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, tokens.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), nil)
	}
	// Infrastructure faults surface as a generic failure; no internal detail
	// crosses the boundary.
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/applications",
		Summary:       "Create application",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateApplicationRequest `json:"body"`
	}) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		cred, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.CompanyName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "company_name is required", nil)
		}
		opts := engine.ApplicationCreateOptions{
			CompanyName: input.Body.CompanyName,
			ActorID:     cred.ActorID(),
		}
		if input.Body.GUID != nil {
			opts.GUID = *input.Body.GUID
		}
		for _, w := range input.Body.Work {
			opts.Work = append(opts.Work, domain.ContractedWork{
				WorkID:                  w.WorkID,
				WellAuthorizationNumber: w.WellAuthorizationNumber,
				ContractedWorkType:      w.ContractedWorkType,
			})
		}
		a, err := e.CreateApplication(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/applications",
		Summary:     "List applications",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []ApplicationResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListApplications(ctx, repo.ApplicationFilters{Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApplicationResponse `json:"body"`
		}{Body: mapApplications(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{application_guid}",
		Summary:     "Get application",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationGUID string `path:"application_guid"`
	}) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		if _, authErr := requireApplicationAccess(ctx, input.ApplicationGUID); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetApplication(ctx, input.ApplicationGUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-status-changes",
		Method:      http.MethodGet,
		Path:        "/applications/{application_guid}/status",
		Summary:     "List status history",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationGUID string `path:"application_guid"`
	}) (*struct {
		Body []StatusChangeResponse `json:"body"`
	}, error) {
		if _, authErr := requireApplicationAccess(ctx, input.ApplicationGUID); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetApplication(ctx, input.ApplicationGUID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStatusChanges(ctx, input.ApplicationGUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []StatusChangeResponse `json:"body"`
		}{Body: mapStatusChanges(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-status",
		Method:      http.MethodPost,
		Path:        "/applications/{application_guid}/status",
		Summary:     "Advance application status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationGUID string               `path:"application_guid"`
		Body            AdvanceStatusRequest `json:"body"`
	}) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		cred := credentialFromContext(ctx)
		a, err := e.AdvanceStatus(ctx, input.ApplicationGUID, input.Body.Status, input.Body.Note, cred)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(a)}, nil
	})
}

func registerDocuments(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "submit-documents",
		Method:        http.MethodPost,
		Path:          "/applications/{application_guid}/documents",
		Summary:       "Register uploaded documents",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationGUID string                 `path:"application_guid"`
		Body            SubmitDocumentsRequest `json:"body"`
	}) (*struct {
		Body []DocumentResponse `json:"body"`
	}, error) {
		cred, authErr := requireApplicationAccess(ctx, input.ApplicationGUID)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DocumentSubmitOptions{
			ApplicationGUID:       input.ApplicationGUID,
			ConfirmFinalDocuments: input.Body.ConfirmFinalDocuments,
			Note:                  input.Body.Note,
			Credential:            cred,
		}
		for _, d := range input.Body.Documents {
			opts.Documents = append(opts.Documents, engine.DocumentUpload{
				Name:            d.Name,
				ObjectStorePath: d.ObjectStorePath,
			})
		}
		docs, err := e.SubmitDocuments(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DocumentResponse `json:"body"`
		}{Body: mapDocuments(docs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/applications/{application_guid}/documents",
		Summary:     "List documents",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationGUID string `path:"application_guid"`
	}) (*struct {
		Body []DocumentResponse `json:"body"`
	}, error) {
		if _, authErr := requireApplicationAccess(ctx, input.ApplicationGUID); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetApplication(ctx, input.ApplicationGUID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDocuments(ctx, input.ApplicationGUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DocumentResponse `json:"body"`
		}{Body: mapDocuments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-download-token",
		Method:        http.MethodPost,
		Path:          "/applications/{application_guid}/documents/{document_guid}/download-token",
		Summary:       "Issue a download token",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationGUID string `path:"application_guid"`
		DocumentGUID    string `path:"document_guid"`
	}) (*struct {
		Body DownloadTokenResponse `json:"body"`
	}, error) {
		cred, authErr := requireApplicationAccess(ctx, input.ApplicationGUID)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.Repo.GetDocument(ctx, input.DocumentGUID)
		if err != nil {
			return nil, handleError(err)
		}
		// Ownership mismatch reads the same as absence.
		if doc.ApplicationGUID != input.ApplicationGUID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
		}
		tokenID, err := cfg.Tokens.Issue(ctx, tokens.DownloadGrant{
			DocumentGUID:    doc.GUID,
			ApplicationGUID: doc.ApplicationGUID,
			IssuedBy:        cred.ActorID(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DownloadTokenResponse `json:"body"`
		}{Body: DownloadTokenResponse{TokenGUID: tokenID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redeem-download-token",
		Method:      http.MethodGet,
		Path:        "/download/{token_guid}",
		Summary:     "Redeem a download token and stream the document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TokenGUID string `path:"token_guid"`
	}) (*huma.StreamResponse, error) {
		grant, err := cfg.Tokens.Redeem(ctx, input.TokenGUID)
		if err != nil {
			return nil, handleError(err)
		}
		doc, err := e.Repo.GetDocument(ctx, grant.DocumentGUID)
		if err != nil {
			return nil, handleError(err)
		}
		body, err := cfg.Store.StreamDownload(ctx, doc.ObjectStorePath)
		if err != nil {
			return nil, handleError(fmt.Errorf("open object: %w", err))
		}
		return &huma.StreamResponse{
			Body: func(hctx huma.Context) {
				defer body.Close()
				hctx.SetHeader("Content-Type", "application/octet-stream")
				hctx.SetHeader("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Name}))
				_, _ = io.Copy(hctx.BodyWriter(), body)
			},
		}, nil
	})
}

func registerWork(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approved-contracted-work",
		Method:      http.MethodGet,
		Path:        "/approved-contracted-work",
		Summary:     "List approved contracted work payment records",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Page                    int      `query:"page"`
		PerPage                 int      `query:"per_page"`
		SortField               string   `query:"sort_field"`
		SortDir                 string   `query:"sort_dir" enum:"asc,desc"`
		ApplicationID           int64    `query:"application_id"`
		WorkID                  string   `query:"work_id"`
		WellAuthorizationNumber string   `query:"well_authorization_number"`
		ContractedWorkType      []string `query:"contracted_work_type"`
		InterimStatusCode       []string `query:"interim_payment_status_code"`
		FinalStatusCode         []string `query:"final_payment_status_code"`
	}) (*struct {
		Body WorkPageResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		page, err := e.ListApprovedWork(ctx, engine.WorkQuery{
			ApplicationID:           input.ApplicationID,
			WorkID:                  input.WorkID,
			WellAuthorizationNumber: input.WellAuthorizationNumber,
			ContractedWorkTypes:     input.ContractedWorkType,
			InterimStatusCodes:      input.InterimStatusCode,
			FinalStatusCodes:        input.FinalStatusCode,
			SortField:               input.SortField,
			SortDir:                 input.SortDir,
			Page:                    input.Page,
			PerPage:                 input.PerPage,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkPageResponse `json:"body"`
		}{Body: workPageResponse(page)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approved-contracted-work",
		Method:      http.MethodGet,
		Path:        "/applications/{application_guid}/approved-contracted-work",
		Summary:     "Get an application's contracted work payment view",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationGUID string `path:"application_guid"`
	}) (*struct {
		Body []domain.WorkRecord `json:"body"`
	}, error) {
		cred := credentialFromContext(ctx)
		records, err := e.ApprovedWork(ctx, input.ApplicationGUID, cred)
		if err != nil {
			return nil, handleError(err)
		}
		if records == nil {
			records = []domain.WorkRecord{}
		}
		return &struct {
			Body []domain.WorkRecord `json:"body"`
		}{Body: records}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-work-payment",
		Method:      http.MethodPut,
		Path:        "/applications/{application_guid}/contracted-work-payment/{work_id}",
		Summary:     "Record a contracted work payment",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationGUID string                   `path:"application_guid"`
		WorkID          string                   `path:"work_id"`
		Body            RecordWorkPaymentRequest `json:"body"`
	}) (*struct{}, error) {
		cred := credentialFromContext(ctx)
		err := e.RecordWorkPayment(ctx, input.ApplicationGUID, domain.WorkPayment{
			WorkID:                   input.WorkID,
			InterimPaymentStatusCode: input.Body.InterimPaymentStatusCode,
			FinalPaymentStatusCode:   input.Body.FinalPaymentStatusCode,
			InterimApprovedAmount:    input.Body.InterimApprovedAmount,
			FinalApprovedAmount:      input.Body.FinalApprovedAmount,
		}, cred)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerOTP(api huma.API, otp tokens.OTPService, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-otp",
		Method:        http.MethodPost,
		Path:          "/applications/{application_guid}/otp",
		Summary:       "Issue a one-time password for an applicant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationGUID string `path:"application_guid"`
	}) (*struct {
		Body OTPResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetApplication(ctx, input.ApplicationGUID); err != nil {
			return nil, handleError(err)
		}
		pass, err := otp.Issue(ctx, input.ApplicationGUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OTPResponse `json:"body"`
		}{Body: OTPResponse{OTP: pass}}, nil
	})
}
