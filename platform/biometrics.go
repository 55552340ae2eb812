package platform

import (
	"context"
	"fmt"
	"strings"
)

// EnrollmentLevel is the strongest authentication the device has enrolled.
type EnrollmentLevel string

const (
	EnrollmentNone            EnrollmentLevel = "NONE"
	EnrollmentSecret          EnrollmentLevel = "SECRET" // device passcode only
	EnrollmentBiometricWeak   EnrollmentLevel = "BIOMETRIC_WEAK"
	EnrollmentBiometricStrong EnrollmentLevel = "BIOMETRIC_STRONG"
)

// EnrollmentQuery reports the device's enrollment level.
type EnrollmentQuery interface {
	EnrollmentLevel(ctx context.Context) (EnrollmentLevel, error)
}

// StaticEnrollment always reports the same level.
type StaticEnrollment EnrollmentLevel

func (s StaticEnrollment) EnrollmentLevel(ctx context.Context) (EnrollmentLevel, error) {
	return EnrollmentLevel(s), ctx.Err()
}

// BiometricsAvailable decides whether biometric protection is offered.
// Only strong biometrics qualify; weak biometrics cannot gate keystore items.
func BiometricsAvailable(level EnrollmentLevel) bool {
	return level == EnrollmentBiometricStrong
}

// ParseEnrollmentLevel parses a level name case-insensitively.
func ParseEnrollmentLevel(s string) (EnrollmentLevel, error) {
	switch EnrollmentLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case EnrollmentNone:
		return EnrollmentNone, nil
	case EnrollmentSecret:
		return EnrollmentSecret, nil
	case EnrollmentBiometricWeak:
		return EnrollmentBiometricWeak, nil
	case EnrollmentBiometricStrong:
		return EnrollmentBiometricStrong, nil
	}
	return EnrollmentNone, fmt.Errorf("unknown enrollment level %q", s)
}
