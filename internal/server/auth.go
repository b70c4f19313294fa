package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"grantline/internal/engine/auth"
	"grantline/internal/tokens"
)

type AuthConfig struct {
	JWTSecret string
	OTP       tokens.OTPService
	Logger    *log.Logger
}

type credentialKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withCredential(ctx context.Context, cred auth.Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// credentialFromContext returns the request credential; Anonymous when the
// middleware resolved nothing.
func credentialFromContext(ctx context.Context) auth.Credential {
	if cred, ok := ctx.Value(credentialKey{}).(auth.Credential); ok {
		return cred
	}
	return auth.Anonymous{}
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token, secret string) (auth.Credential, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	// Tokens that carry a roles claim must name the admin role; tokens
	// without one are trusted on the signature alone.
	if len(claims.Roles) > 0 && !containsRole(claims.Roles, auth.RoleAdmin) {
		return nil, errors.New("admin role required")
	}
	return auth.Admin{Subject: claims.Subject, Roles: claims.Roles}, nil
}

func containsRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the request credential exactly once: a bearer
// JWT becomes an administrator credential, an X-Otp header becomes an
// applicant credential scoped to its application, anything else is
// anonymous. Handlers decide what each credential may do; the token redeem
// route is deliberately reachable anonymously.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			otpHeader := strings.TrimSpace(req.Header.Get("X-Otp"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				cred, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withCredential(req.Context(), cred)))
				return
			}

			if otpHeader != "" {
				guid, err := cfg.OTP.Verify(req.Context(), otpHeader)
				if err != nil {
					if errors.Is(err, tokens.ErrNotFound) {
						respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
						return
					}
					cfg.logger().Printf("otp verify failed: %v", err)
					respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withCredential(req.Context(), auth.Applicant{ApplicationGUID: guid})))
				return
			}

			next.ServeHTTP(w, req.WithContext(withCredential(req.Context(), auth.Anonymous{})))
		})
	}
}

// requireAdmin gates admin-only routes.
func requireAdmin(ctx context.Context) (auth.Credential, huma.StatusError) {
	cred := credentialFromContext(ctx)
	if !cred.IsAdmin() {
		return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "administrator privilege required", nil)
	}
	return cred, nil
}

// requireApplicationAccess gates routes scoped to one application: admins or
// the matching applicant OTP credential pass.
func requireApplicationAccess(ctx context.Context, applicationGUID string) (auth.Credential, huma.StatusError) {
	cred := credentialFromContext(ctx)
	if cred.IsAdmin() || cred.CanAccessApplication(applicationGUID) {
		return cred, nil
	}
	return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "credential not scoped to this application", nil)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
