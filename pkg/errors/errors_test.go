package errors

import (
	stderrors "errors"
	"testing"
)

func TestRecoverableDefaults(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want bool
	}{
		{CodeToolTransient, true},
		{CodeTimeout, true},
		{CodeToolPermanent, false},
		{CodePolicyDenied, false},
		{CodeSchemaInvalid, false},
		{CodeStateDeltaRejected, false},
		{CodeApprovalTimeout, false},
	}
	for _, tc := range cases {
		if got := New(tc.code, "x", nil).Recoverable; got != tc.want {
			t.Errorf("New(%s).Recoverable = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(CodePolicyDenied, "no", nil)); got != CodePolicyDenied {
		t.Fatalf("CodeOf = %s", got)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeInternal {
		t.Fatalf("CodeOf(plain) = %s, want %s", got, CodeInternal)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("CodeOf(nil) = %q", got)
	}
}

func TestIsRecoverableUntyped(t *testing.T) {
	if IsRecoverable(stderrors.New("plain")) {
		t.Fatal("untyped errors must not be retried")
	}
	if !IsRecoverable(New(CodeInternal, "x", nil).WithRecoverable(true)) {
		t.Fatal("explicit recoverable flag ignored")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root")
	err := New(CodeToolPermanent, "wrapper", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
}

func TestReason(t *testing.T) {
	if got := Reason(New(CodePolicyDenied, "write denied", stderrors.New("inner"))); got != "write denied" {
		t.Fatalf("Reason = %q", got)
	}
	if got := Reason(stderrors.New("plain")); got != "plain" {
		t.Fatalf("Reason(plain) = %q", got)
	}
}
