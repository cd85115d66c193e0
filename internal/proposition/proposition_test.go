package proposition

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestValidate_Valid(t *testing.T) {
	meta, err := Validate(d(70), model.Metadata{
		Subject:     "  computer science ",
		TestName:    " Final exam ",
		Description: " covers chapters 1-9 ",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Subject != SubjectComputerScience {
		t.Errorf("subject: want %q, got %q", SubjectComputerScience, meta.Subject)
	}
	if meta.TestName != "Final exam" {
		t.Errorf("test name not trimmed: %q", meta.TestName)
	}
	if meta.Description != "covers chapters 1-9" {
		t.Errorf("description not trimmed: %q", meta.Description)
	}
}

func TestValidate_ThresholdBounds(t *testing.T) {
	meta := model.Metadata{Subject: "Physics", TestName: "Quiz"}
	tests := []struct {
		threshold decimal.Decimal
		ok        bool
	}{
		{d(0), true},
		{d(100), true},
		{d(55.5), true},
		{d(-0.01), false},
		{d(100.01), false},
	}
	for _, tt := range tests {
		_, err := Validate(tt.threshold, meta)
		if tt.ok && err != nil {
			t.Errorf("threshold %s: unexpected error %v", tt.threshold, err)
		}
		if !tt.ok {
			if !errors.Is(err, ErrInvalidThreshold) || !errors.Is(err, model.ErrValidation) {
				t.Errorf("threshold %s: expected ErrInvalidThreshold, got %v", tt.threshold, err)
			}
		}
	}
}

func TestValidate_InvalidSubject(t *testing.T) {
	_, err := Validate(d(50), model.Metadata{Subject: "Astrology", TestName: "Quiz"})
	if !errors.Is(err, ErrInvalidSubject) {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
	_, err = Validate(d(50), model.Metadata{TestName: "Quiz"})
	if !errors.Is(err, ErrInvalidSubject) {
		t.Errorf("missing subject: expected ErrInvalidSubject, got %v", err)
	}
}

func TestValidate_TestName(t *testing.T) {
	for _, name := range []string{"", "   ", "---", strings.Repeat("x", maxTestNameLen+1)} {
		_, err := Validate(d(50), model.Metadata{Subject: "History", TestName: name})
		if !errors.Is(err, ErrInvalidTestName) {
			t.Errorf("test name %q: expected ErrInvalidTestName, got %v", name, err)
		}
	}
}

func TestValidate_DescriptionTooLong(t *testing.T) {
	_, err := Validate(d(50), model.Metadata{
		Subject:     "Other",
		TestName:    "Quiz",
		Description: strings.Repeat("a", maxDescriptionLen+1),
	})
	if !errors.Is(err, ErrDescriptionLong) {
		t.Errorf("expected ErrDescriptionLong, got %v", err)
	}
}

func TestTitle(t *testing.T) {
	got := Title(d(70), model.Metadata{Subject: "Mathematics", TestName: "Midterm"})
	want := "Mathematics / Midterm: score above 70"
	if got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}
