package services_test

import (
	"errors"
	"strings"
	"testing"

	"medgate/internal/services"
)

func TestWrapCarriesMarkerAndDetail(t *testing.T) {
	base := errors.New("connection reset")
	err := services.Wrap(services.ErrTransient, "extract", "run_command", "ocr backend", base)

	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("marker lost: %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("cause lost: %v", err)
	}
	for _, want := range []string{"extract", "run_command", "ocr backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("message %q missing %q", err, want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want services.FailureClass
	}{
		{services.Wrap(services.ErrPermanent, "link", "", "", nil), services.FailurePermanent},
		{services.Wrap(services.ErrValidation, "safety_check", "", "", nil), services.FailurePermanent},
		{services.Wrap(services.ErrTimeout, "extract", "", "", nil), services.FailureTransient},
		{errors.New("unrecognized"), services.FailureTransient},
	}
	for _, tc := range cases {
		if got := services.Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestErrorCode(t *testing.T) {
	if code := services.ErrorCode(services.Wrap(services.ErrTimeout, "", "", "", nil)); code != "timeout" {
		t.Fatalf("code = %q", code)
	}
	if code := services.ErrorCode(errors.New("other")); code != "error" {
		t.Fatalf("code = %q", code)
	}
}
