package telegram

import (
	"strings"
	"unicode/utf8"
)

// InputClass buckets raw chat text for the onboarding transition table.
type InputClass string

const (
	InputStart   InputClass = "start"
	InputStudent InputClass = "student"
	InputStaff   InputClass = "staff"
	InputText    InputClass = "text"
)

// InputClassifier maps raw message text to an input class.
type InputClassifier interface {
	Classify(text string) InputClass
}

// KeywordClassifier recognizes the role keywords the reply keyboard
// offers, in both English and Vietnamese, case-insensitively. A keyword
// anywhere in the text counts, so free-form replies like "Tôi là sinh
// viên" classify the same as a keyboard tap.
type KeywordClassifier struct{}

var studentKeywords = []string{"student", "sinh viên", "sinh vien"}

var staffKeywords = []string{"staff", "cán bộ", "can bo", "giảng viên", "giang vien", "nhân viên", "nhan vien"}

func (KeywordClassifier) Classify(text string) InputClass {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "/start" {
		return InputStart
	}
	for _, kw := range studentKeywords {
		if strings.Contains(normalized, kw) {
			return InputStudent
		}
	}
	for _, kw := range staffKeywords {
		if strings.Contains(normalized, kw) {
			return InputStaff
		}
	}
	return InputText
}

// validStudentID accepts any identifier of at least four characters
// once surrounding whitespace is stripped.
func validStudentID(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= 4
}
