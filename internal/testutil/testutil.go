// Package testutil holds the small assertion set used across alterd tests.
// Packages that need richer diffs import testify instead.
package testutil

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func Equal[T comparable](t testing.TB, want, got T) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func NotEqual[T comparable](t testing.TB, want, got T) {
	t.Helper()
	if got == want {
		t.Errorf("got %v, want anything else", got)
	}
}

// NoError stops the test on a non-nil err.
func NoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ErrorContains stops the test when err is nil and fails it when the message
// lacks substr.
func ErrorContains(t testing.TB, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Errorf("error %q does not contain %q", err.Error(), substr)
	}
}

// ErrorIs fails the test unless errors.Is(err, target).
func ErrorIs(t testing.TB, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("error %v is not %v", err, target)
	}
}

func True(t testing.TB, condition bool, msgAndArgs ...any) {
	t.Helper()
	if !condition {
		t.Error("expected true" + describe(msgAndArgs))
	}
}

func False(t testing.TB, condition bool, msgAndArgs ...any) {
	t.Helper()
	if condition {
		t.Error("expected false" + describe(msgAndArgs))
	}
}

// describe formats an optional message followed by its format arguments.
func describe(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	format, ok := msgAndArgs[0].(string)
	if !ok {
		return ": " + fmt.Sprint(msgAndArgs...)
	}
	return ": " + fmt.Sprintf(format, msgAndArgs[1:]...)
}

// isNil also treats an interface holding a nil pointer, map, slice, channel
// or func as nil.
func isNil(val any) bool {
	if val == nil {
		return true
	}
	switch v := reflect.ValueOf(val); v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

func Nil(t testing.TB, val any) {
	t.Helper()
	if !isNil(val) {
		t.Errorf("expected nil, got %v", val)
	}
}

// NotNil stops the test on nil, since callers usually dereference val next.
func NotNil(t testing.TB, val any) {
	t.Helper()
	if isNil(val) {
		t.Fatal("expected non-nil, got nil")
	}
}

func SliceLen[T any](t testing.TB, slice []T, want int) {
	t.Helper()
	if len(slice) != want {
		t.Errorf("slice length: got %d, want %d (%v)", len(slice), want, slice)
	}
}

func MapLen[K comparable, V any](t testing.TB, m map[K]V, want int) {
	t.Helper()
	if len(m) != want {
		t.Errorf("map length: got %d, want %d (%v)", len(m), want, m)
	}
}

// StatusCode stops the test on a mismatch: a wrong status means the body
// has a different shape and later assertions would only add noise.
func StatusCode(t testing.TB, want, got int) {
	t.Helper()
	if got != want {
		t.Fatalf("HTTP status: got %d, want %d", got, want)
	}
}

func Contains(t testing.TB, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("%q does not contain %q", s, substr)
	}
}
