// Package proposition validates what a market is about: the subject, the
// test, and the score threshold the outcome is measured against.
package proposition

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/model"
)

// Supported subjects.
const (
	SubjectMathematics     = "Mathematics"
	SubjectPhysics         = "Physics"
	SubjectChemistry       = "Chemistry"
	SubjectBiology         = "Biology"
	SubjectComputerScience = "Computer Science"
	SubjectEnglish         = "English"
	SubjectHistory         = "History"
	SubjectEconomics       = "Economics"
	SubjectPsychology      = "Psychology"
	SubjectOther           = "Other"
)

// Subjects lists the accepted subjects in display order.
var Subjects = []string{
	SubjectMathematics,
	SubjectPhysics,
	SubjectChemistry,
	SubjectBiology,
	SubjectComputerScience,
	SubjectEnglish,
	SubjectHistory,
	SubjectEconomics,
	SubjectPsychology,
	SubjectOther,
}

var subjectIndex = func() map[string]string {
	m := make(map[string]string, len(Subjects))
	for _, s := range Subjects {
		m[strings.ToLower(s)] = s
	}
	return m
}()

// testNameRegex requires at least one letter or digit.
var testNameRegex = regexp.MustCompile(`[\p{L}\p{N}]`)

const (
	maxTestNameLen    = 120
	maxDescriptionLen = 1000
)

var (
	MinThreshold = decimal.Zero
	MaxThreshold = decimal.NewFromInt(100)
)

var (
	ErrInvalidSubject   = fmt.Errorf("%w: unsupported subject", model.ErrValidation)
	ErrInvalidTestName  = fmt.Errorf("%w: invalid test name", model.ErrValidation)
	ErrInvalidThreshold = fmt.Errorf("%w: threshold must be between 0 and 100", model.ErrValidation)
	ErrDescriptionLong  = fmt.Errorf("%w: description too long", model.ErrValidation)
)

// Validate checks and normalises a proposition. The subject is matched
// case-insensitively and returned in its canonical spelling; surrounding
// whitespace is trimmed from every field.
func Validate(threshold decimal.Decimal, meta model.Metadata) (model.Metadata, error) {
	if err := ValidateScore(threshold); err != nil {
		return model.Metadata{}, fmt.Errorf("%w: got %s", ErrInvalidThreshold, threshold)
	}

	subject, ok := subjectIndex[strings.ToLower(strings.TrimSpace(meta.Subject))]
	if !ok {
		return model.Metadata{}, fmt.Errorf("%w: %q (expected one of %s)",
			ErrInvalidSubject, meta.Subject, strings.Join(Subjects, ", "))
	}

	name := strings.TrimSpace(meta.TestName)
	if !testNameRegex.MatchString(name) {
		return model.Metadata{}, fmt.Errorf("%w: test name is required", ErrInvalidTestName)
	}
	if utf8.RuneCountInString(name) > maxTestNameLen {
		return model.Metadata{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidTestName, maxTestNameLen)
	}

	desc := strings.TrimSpace(meta.Description)
	if utf8.RuneCountInString(desc) > maxDescriptionLen {
		return model.Metadata{}, fmt.Errorf("%w: longer than %d characters", ErrDescriptionLong, maxDescriptionLen)
	}

	return model.Metadata{Subject: subject, TestName: name, Description: desc}, nil
}

// ValidateScore checks that v is a score in [0, 100]. Used for both the
// threshold and the revealed value.
func ValidateScore(v decimal.Decimal) error {
	if v.LessThan(MinThreshold) || v.GreaterThan(MaxThreshold) {
		return errors.New("score out of range")
	}
	return nil
}

// Title renders a one-line description of the proposition, e.g.
// "Mathematics / Midterm: score above 70".
func Title(threshold decimal.Decimal, meta model.Metadata) string {
	return fmt.Sprintf("%s / %s: score above %s", meta.Subject, meta.TestName, threshold.String())
}
