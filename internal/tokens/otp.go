package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const otpPrefix = "otp:"

// OTPService manages the applicant one-time passwords: a narrow credential
// scoped to a single application, distinct from administrator privilege.
type OTPService struct {
	Cache Cache
	TTL   time.Duration
}

// Issue mints an OTP bound to one application guid.
func (s OTPService) Issue(ctx context.Context, applicationGUID string) (string, error) {
	otp := uuid.New().String()
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	if err := s.Cache.Set(ctx, otpPrefix+otp, applicationGUID, ttl); err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	return otp, nil
}

// Verify resolves an OTP to the application it is scoped to, or ErrNotFound.
// The OTP stays valid until expiry so the applicant can keep working within
// the window.
func (s OTPService) Verify(ctx context.Context, otp string) (string, error) {
	guid, ok, err := s.Cache.Get(ctx, otpPrefix+otp)
	if err != nil {
		return "", fmt.Errorf("lookup otp: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}
	return guid, nil
}
