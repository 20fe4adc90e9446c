package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFormatError(t *testing.T) {
	out := FormatError("something broke")
	if !strings.Contains(out, "Error:") || !strings.Contains(out, "something broke") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Contains(out, "Try:") {
		t.Error("should not contain 'Try:' when no suggestions")
	}
}

func TestFormatErrorWithSuggestions(t *testing.T) {
	out := FormatError("port 8030 is already in use",
		"alterd start --port 8031",
		"alterd stop",
	)
	for _, want := range []string{"Try:", "alterd start --port 8031", "alterd stop", SymbolArrow} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestStepSpinnerNoSpin(t *testing.T) {
	var buf bytes.Buffer
	sp := NewStepSpinner(&buf, true)

	sp.Start("Opening journal...")
	sp.Done()
	sp.Start("Replaying journal...")
	sp.Fail()

	out := buf.String()
	if !strings.Contains(out, "Opening journal...") || !strings.Contains(out, "Replaying journal...") {
		t.Errorf("missing step text in %q", out)
	}
	if strings.Count(out, SymbolCheck) != 1 || strings.Count(out, SymbolCross) != 1 {
		t.Errorf("expected one check and one cross, got %q", out)
	}
}

func TestStepSpinnerWithoutStartNoPanic(t *testing.T) {
	var buf bytes.Buffer
	sp := NewStepSpinner(&buf, false)
	sp.Stop()
	sp.Done()
	sp.Fail()
}

func TestColorEnabledRespectsNO_COLOR(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	if ColorEnabled() {
		t.Error("ColorEnabled should return false when NO_COLOR is set")
	}
}

func TestForcedRendererProducesANSI(t *testing.T) {
	if ForcedRenderer() != ForcedRenderer() {
		t.Error("ForcedRenderer should return the same instance")
	}
	out := ForcedRenderer().NewStyle().Bold(true).Render("test")
	if !strings.Contains(out, "test") || !strings.Contains(out, "\x1b[") {
		t.Errorf("expected ANSI-wrapped text, got %q", out)
	}
}

func TestStepSpinnerRun(t *testing.T) {
	var buf bytes.Buffer
	sp := NewStepSpinner(&buf, true)

	if err := sp.Run("Loading image...", func() error { return nil }); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	boom := errors.New("boom")
	if err := sp.Run("Starting server...", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Loading image... "+SymbolCheck) {
		t.Errorf("missing done mark in %q", out)
	}
	if !strings.Contains(out, "Starting server... "+SymbolCross) {
		t.Errorf("missing fail mark in %q", out)
	}
}
