package anonymizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"medvault/internal/domain"
)

// anonIDLen is the display length of anonymized identifiers, in hex chars.
const anonIDLen = 16

// patternClass is one named class of identifying content.
type patternClass struct {
	name string
	re   *regexp.Regexp
}

// Ordered pattern classes. SSN must run before phone: both match the
// digit-triplet shape and the more specific class wins.
var patternClasses = []patternClass{
	{"name", regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"phone", regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)},
	{"email", regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[a-z]{2,}\b`)},
	{"date", regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)},
	{"mrn", regexp.MustCompile(`(?i)\bMRN[:\s]*\d+\b`)},
	{"address", regexp.MustCompile(`(?i)\b\d+\s+[A-Za-z ]+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd)\b`)},
}

// ClassNames lists every configurable pattern class in application order.
func ClassNames() []string {
	names := make([]string, len(patternClasses))
	for i, pc := range patternClasses {
		names[i] = pc.name
	}
	return names
}

// Policy selects which pattern classes are redacted.
type Policy struct {
	Name    string   // "none", "strict" or "custom"
	Classes []string // used when Name == "custom"
}

const (
	PolicyNone   = "none"
	PolicyStrict = "strict"
	PolicyCustom = "custom"
)

// Anonymizer normalizes raw records: it redacts identifying content per
// policy and derives a stable, non-reversible anon ID. Normalization is
// idempotent; placeholder tokens never re-match any pattern class.
type Anonymizer struct {
	salt  string
	rules []patternClass

	mu    sync.Mutex
	stats domain.AnonymizerStats
	seen  map[string]string // anon ID -> record ID, collision guard
}

// New builds an Anonymizer for the given policy and salt. The salt must
// stay fixed across runs for anon IDs to remain stable.
func New(policy Policy, salt string) (*Anonymizer, error) {
	rules, err := selectRules(policy)
	if err != nil {
		return nil, err
	}
	return &Anonymizer{
		salt:  salt,
		rules: rules,
		seen:  make(map[string]string),
	}, nil
}

func selectRules(policy Policy) ([]patternClass, error) {
	switch policy.Name {
	case PolicyNone:
		return nil, nil
	case "", PolicyStrict:
		return patternClasses, nil
	case PolicyCustom:
		byName := make(map[string]patternClass, len(patternClasses))
		for _, pc := range patternClasses {
			byName[pc.name] = pc
		}
		var rules []patternClass
		for _, name := range policy.Classes {
			pc, ok := byName[name]
			if !ok {
				return nil, domain.WrapError("anonymizer.new",
					fmt.Errorf("%w: unknown pattern class %q", domain.ErrValidation, name))
			}
			rules = append(rules, pc)
		}
		// Preserve canonical application order regardless of config order.
		ordered := make([]patternClass, 0, len(rules))
		for _, pc := range patternClasses {
			for _, r := range rules {
				if r.name == pc.name {
					ordered = append(ordered, pc)
				}
			}
		}
		return ordered, nil
	default:
		return nil, domain.WrapError("anonymizer.new",
			fmt.Errorf("%w: unknown redaction policy %q", domain.ErrValidation, policy.Name))
	}
}

// Normalize converts a raw record into an anonymized record. Empty text
// after normalization fails with ErrEmptyContent; an anon ID collision
// against a different record ID fails with ErrValidation, since it
// indicates a hashing regression rather than legitimate data.
func (a *Anonymizer) Normalize(rec domain.Record) (domain.AnonymizedRecord, error) {
	text := strings.TrimSpace(rec.Text)
	if text == "" {
		return domain.AnonymizedRecord{}, domain.WrapError("anonymizer.normalize",
			fmt.Errorf("%w: record %q", domain.ErrEmptyContent, a.AnonymizeID(rec.RecordID)))
	}

	redacted, hits := a.Redact(text)
	anonID := a.AnonymizeID(rec.RecordID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.seen[anonID]; ok && prev != rec.RecordID {
		return domain.AnonymizedRecord{}, domain.WrapError("anonymizer.normalize",
			fmt.Errorf("%w: anon ID collision on %s", domain.ErrValidation, anonID))
	}
	a.seen[anonID] = rec.RecordID
	a.stats.RecordsProcessed++
	a.stats.RedactionsApplied += hits

	meta := make(map[string]string, len(rec.Metadata))
	for k, v := range rec.Metadata {
		meta[k] = v
	}

	return domain.AnonymizedRecord{
		AnonID:   anonID,
		Text:     redacted,
		Metadata: meta,
	}, nil
}

// Redact replaces every match of the configured pattern classes with a
// [CLASS_REDACTED] placeholder and returns the replacement count.
// Text with no matches passes through unchanged.
func (a *Anonymizer) Redact(text string) (string, int) {
	hits := 0
	for _, pc := range a.rules {
		matches := pc.re.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		hits += len(matches)
		placeholder := "[" + strings.ToUpper(pc.name) + "_REDACTED]"
		text = pc.re.ReplaceAllString(text, placeholder)
	}
	return text, hits
}

// AnonymizeID derives the stable anon ID for a record ID: a truncated
// SHA-256 over the ID and the fixed salt. Not reversible without the salt.
func (a *Anonymizer) AnonymizeID(recordID string) string {
	sum := sha256.Sum256([]byte(recordID + a.salt))
	return hex.EncodeToString(sum[:])[:anonIDLen]
}

// Stats returns a snapshot of the running counters.
func (a *Anonymizer) Stats() domain.AnonymizerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
