package transport

import (
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
)

// Retention policies.
const (
	RetentionLimits    = "limits"
	RetentionWorkQueue = "workqueue"
	RetentionInterest  = "interest"
)

// Storage backends.
const (
	StorageFile   = "file"
	StorageMemory = "memory"
)

// StreamSpec is the broker-neutral description of a stream. Existing streams
// are never diffed against it.
type StreamSpec struct {
	Name              string
	Subjects          []string
	Retention         string
	Storage           string
	MaxAge            time.Duration
	MaxBytes          int64
	MaxMsgsPerSubject int64
	Replicas          int
}

// Validate checks required fields and enumerations.
func (s StreamSpec) Validate() error {
	if s.Name == "" {
		return errspkg.ErrStreamRequired
	}
	if strings.ContainsAny(s.Name, ".*> ") {
		return fmt.Errorf("stream %q: name cannot contain '.', '*', '>' or spaces", s.Name)
	}
	if len(s.Subjects) == 0 {
		return fmt.Errorf("stream %q: at least one subject is required", s.Name)
	}
	for _, subj := range s.Subjects {
		if !validSubject(subj) {
			return fmt.Errorf("stream %q: invalid subject %q", s.Name, subj)
		}
	}
	switch s.Retention {
	case "", RetentionLimits, RetentionWorkQueue, RetentionInterest:
	default:
		return fmt.Errorf("stream %q: unknown retention %q", s.Name, s.Retention)
	}
	switch s.Storage {
	case "", StorageFile, StorageMemory:
	default:
		return fmt.Errorf("stream %q: unknown storage %q", s.Name, s.Storage)
	}
	if s.Replicas < 0 || s.MaxAge < 0 || s.MaxBytes < 0 || s.MaxMsgsPerSubject < 0 {
		return fmt.Errorf("stream %q: limits cannot be negative", s.Name)
	}
	return nil
}

// Covers reports whether the stream captures subject.
func (s StreamSpec) Covers(subject string) bool {
	for _, pattern := range s.Subjects {
		if SubjectMatches(pattern, subject) {
			return true
		}
	}
	return false
}

// CoveringStream returns the first stream capturing subject.
func CoveringStream(streams []StreamSpec, subject string) (StreamSpec, bool) {
	for _, s := range streams {
		if s.Covers(subject) {
			return s, true
		}
	}
	return StreamSpec{}, false
}

// ValidateCoverage fails for every subject no stream captures.
func ValidateCoverage(streams []StreamSpec, subjects ...string) error {
	var missing []string
	for _, subject := range subjects {
		if _, ok := CoveringStream(streams, subject); !ok {
			missing = append(missing, subject)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", errspkg.ErrSubjectNotCovered, strings.Join(missing, ", "))
}

// SubjectMatches applies NATS token matching: '*' matches one token and a
// trailing '>' matches one or more.
func SubjectMatches(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func validSubject(subject string) bool {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return false
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" {
			return false
		}
		if tok == ">" && i != len(tokens)-1 {
			return false
		}
		if len(tok) > 1 && strings.ContainsAny(tok, "*>") {
			return false
		}
	}
	return true
}
