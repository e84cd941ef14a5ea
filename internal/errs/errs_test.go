package errs

import (
	"errors"
	"testing"
)

func TestClassLookup(t *testing.T) {
	cases := []struct {
		code Code
		want Class
	}{
		{CodePortInUse, Transient},
		{CodeRestartLimitReached, PolicyExhausted},
		{CodeConfigUnloadable, Fatal},
		{CodeInvalidConfig, Validation},
	}
	for _, c := range cases {
		got := New(c.code, "boom", nil).Class()
		if got != c.want {
			t.Errorf("Class(%s) = %s, want %s", c.code, got, c.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(CodeTimeout, "rpc timed out", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find wrapped cause")
	}
}

func TestAsExtractsClassifiedError(t *testing.T) {
	err := New(CodeNotFound, "missing", nil)
	var wrapped error = err
	got, ok := As(wrapped)
	if !ok || got.Code != CodeNotFound {
		t.Fatalf("As() = %v, %v, want CodeNotFound error", got, ok)
	}
}

func TestAsReturnsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	if ok {
		t.Fatal("expected As() to fail for an unclassified error")
	}
}
