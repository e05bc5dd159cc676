// Package normalizers maps raw identity values to the canonical form used for equality matching
package normalizers

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"

	"github.com/Ramsey-B/clover/pkg/models"
)

// DefaultRegion is used when a Normalizer is built without a region.
const DefaultRegion = "US"

const memoryURLPrefix = "memory://"

var (
	emailPattern     = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	angleAddrPattern = regexp.MustCompile(`<([^>]+)>`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

// Func normalizes a single raw value.
type Func func(string) string

// Normalizer canonicalizes identity values. The phone region is fixed at construction so that
// normalization never depends on process-wide state.
type Normalizer struct {
	region   string
	registry map[models.IdentityKind]Func
}

// New builds a Normalizer that parses national phone numbers against region.
func New(region string) *Normalizer {
	if region == "" {
		region = DefaultRegion
	}
	n := &Normalizer{
		region:   strings.ToUpper(region),
		registry: make(map[models.IdentityKind]Func),
	}

	n.Register(models.KindPhone, n.NormalizePhone)
	n.Register(models.KindEmail, NormalizeEmail)
	n.Register(models.KindDisplayName, NormalizeName)
	n.Register(models.KindName, NormalizeName)
	n.Register(models.KindAlias, NormalizeName)
	n.Register(models.KindMemoryURL, NormalizeMemoryURL)

	return n
}

// Region returns the default phone region.
func (n *Normalizer) Region() string {
	return n.region
}

// Register sets the normalizer used for kind. Kinds without a registration fall back to lowercase+trim.
func (n *Normalizer) Register(kind models.IdentityKind, fn Func) {
	n.registry[kind] = fn
}

// Normalize returns the canonical form of value for kind, or "" if value is not a usable instance of kind.
func (n *Normalizer) Normalize(value, kind string) string {
	if value == "" {
		return ""
	}
	if fn, ok := n.registry[models.IdentityKind(kind)]; ok {
		return fn(value)
	}
	return Passthrough(value)
}

// Passthrough lowercases and trims. Used for username, contact_id and unrecognized kinds.
func Passthrough(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone returns the E.164 form of s, or "" when it cannot be parsed as a plausible number.
func (n *Normalizer) NormalizePhone(s string) string {
	num, err := n.parsePhone(s)
	if err != nil {
		return ""
	}
	if !phonenumbers.IsValidNumber(num) && !phonenumbers.IsPossibleNumber(num) {
		return ""
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// parsePhone parses "+" prefixed values as international, falling back to the default region.
func (n *Normalizer) parsePhone(s string) (*phonenumbers.PhoneNumber, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "+") {
		if num, err := phonenumbers.Parse(s, ""); err == nil {
			return num, nil
		}
	}
	return phonenumbers.Parse(s, n.region)
}

// NormalizeEmail lowercases and trims, extracting addr from "Name <addr>".
func NormalizeEmail(s string) string {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if strings.Contains(normalized, "<") && strings.Contains(normalized, ">") {
		if m := angleAddrPattern.FindStringSubmatch(normalized); m != nil {
			normalized = strings.TrimSpace(m[1])
		}
	}
	if !emailPattern.MatchString(normalized) {
		return ""
	}
	return normalized
}

// NormalizeName lowercases and collapses whitespace runs.
func NormalizeName(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(strings.ToLower(s), " "))
}

// NormalizeMemoryURL canonicalizes memory:// permalinks.
func NormalizeMemoryURL(s string) string {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return ""
	}
	if !strings.HasPrefix(cleaned, memoryURLPrefix) {
		cleaned = memoryURLPrefix + strings.TrimLeft(cleaned, "/")
	}

	path := strings.TrimPrefix(cleaned, memoryURLPrefix)
	switch {
	case path == "",
		strings.Contains(path, "://"),
		strings.Contains(path, "//"),
		strings.IndexFunc(path, unicode.IsSpace) >= 0,
		strings.ContainsAny(path, `<>"|?`):
		return ""
	}

	path = strings.Trim(path, "/")
	if path == "" {
		return ""
	}
	return memoryURLPrefix + path
}

// InferKind guesses the kind of an undeclared value: memory_url, email, phone, else username.
func (n *Normalizer) InferKind(value string) models.IdentityKind {
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, memoryURLPrefix) {
		return models.KindMemoryURL
	}
	if strings.Contains(value, "@") && strings.Contains(value, ".") && emailPattern.MatchString(strings.TrimSpace(value)) {
		return models.KindEmail
	}
	if num, err := n.parsePhone(value); err == nil && phonenumbers.IsPossibleNumber(num) {
		return models.KindPhone
	}
	if looksLikePhone(value) {
		return models.KindPhone
	}
	return models.KindUsername
}

// looksLikePhone is the digit-density fallback for values the phone parser rejects.
func looksLikePhone(value string) bool {
	digits := 0
	for _, r := range value {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits < 7 || digits > 15 {
		return false
	}
	if strings.HasPrefix(value, "+") {
		return true
	}
	compact := len([]rune(strings.ReplaceAll(value, " ", "")))
	return compact > 0 && float64(digits)/float64(compact) > 0.7
}

// IsValidEmail reports whether s normalizes to a well-formed address.
func IsValidEmail(s string) bool {
	return NormalizeEmail(s) != ""
}
