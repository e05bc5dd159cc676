// Package validation enforces field-level constraints on every externally triggered claim mutation
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

const (
	tagIdentityKind   = "identity_kind"
	tagIdentitySource = "identity_source"
)

var (
	aliasProhibited = regexp.MustCompile(`[<>'"&;\\]`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

// Identity is a validated, canonicalized identity ready to be stored.
type Identity struct {
	Kind       models.IdentityKind
	Source     models.Source
	Value      string
	Canonical  string
	Confidence float64
}

type Validator struct {
	validate   *validator.Validate
	normalizer *normalizers.Normalizer
}

func New(normalizer *normalizers.Normalizer) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation(tagIdentityKind, func(fl validator.FieldLevel) bool {
		return models.IdentityKind(clean(fl.Field().String())).IsAllowed()
	})
	_ = v.RegisterValidation(tagIdentitySource, func(fl validator.FieldLevel) bool {
		return models.Source(clean(fl.Field().String())).IsAllowed()
	})

	return &Validator{validate: v, normalizer: normalizer}
}

func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Struct runs tag validation and converts the first failure into a ValidationError naming the field.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return clerrors.NewValidationError("", "%s", err.Error())
	}
	fe := verrs[0]
	return clerrors.NewValidationError(fe.Field(), "%s", describe(fe)).WithConstraint(fe.Tag())
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s too long (max %s characters)", fe.Field(), fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s must be between 0.0 and 1.0", fe.Field())
	case tagIdentityKind:
		return fmt.Sprintf("invalid identity kind '%v'. Must be one of: %s", fe.Value(), strings.Join(models.AllowedKinds(), ", "))
	case tagIdentitySource:
		return fmt.Sprintf("invalid source '%v'. Must be one of: %s", fe.Value(), strings.Join(models.AllowedSources(), ", "))
	default:
		return fmt.Sprintf("%s failed '%s' validation", fe.Field(), fe.Tag())
	}
}

// Kind lowercases kind and checks it against the allow-list.
func (v *Validator) Kind(kind string) (models.IdentityKind, error) {
	k := models.IdentityKind(clean(kind))
	if k == "" {
		return "", clerrors.NewValidationError("kind", "identity kind must be a non-empty string")
	}
	if !k.IsAllowed() {
		return "", clerrors.NewValidationError("kind", "invalid identity kind '%s'. Must be one of: %s",
			kind, strings.Join(models.AllowedKinds(), ", ")).WithConstraint(tagIdentityKind)
	}
	return k, nil
}

// Source lowercases source and checks it against the allow-list. Empty defaults to manual.
func (v *Validator) Source(source string) (models.Source, error) {
	s := models.Source(clean(source))
	if s == "" {
		return models.SourceManual, nil
	}
	if !s.IsAllowed() {
		return "", clerrors.NewValidationError("source", "invalid source '%s'. Must be one of: %s",
			source, strings.Join(models.AllowedSources(), ", ")).WithConstraint(tagIdentitySource)
	}
	return s, nil
}

// ExplicitSource is Source for callers that named a source on purpose, so empty is rejected.
func (v *Validator) ExplicitSource(source string) (models.Source, error) {
	if clean(source) == "" {
		return "", clerrors.NewValidationError("source", "source cannot be empty").WithConstraint(tagIdentitySource)
	}
	return v.Source(source)
}

// Confidence returns c, or def when c is nil, after checking the [0,1] range.
func (v *Validator) Confidence(c *float64, def float64) (float64, error) {
	if c == nil {
		return def, nil
	}
	if *c < 0 || *c > 1 {
		return 0, clerrors.NewValidationError("confidence", "confidence must be between 0.0 and 1.0, got %v", *c).
			WithConstraint("range")
	}
	return *c, nil
}

// DisplayName trims name and enforces the length limit.
func (v *Validator) DisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", clerrors.NewValidationError("display_name", "display name cannot be empty")
	}
	if utf8.RuneCountInString(name) > models.MaxDisplayNameLength {
		return "", clerrors.NewValidationError("display_name", "display name too long (max %d characters)", models.MaxDisplayNameLength).
			WithConstraint("max")
	}
	return name, nil
}

// Alias sanitizes an alias value and returns its canonical form.
func (v *Validator) Alias(value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", clerrors.NewValidationError("value", "alias must be a non-empty string")
	}
	if aliasProhibited.MatchString(value) {
		return "", clerrors.NewValidationError("value", `alias contains prohibited characters: < > ' " & ; \`).
			WithConstraint("alias_charset")
	}
	if utf8.RuneCountInString(strings.TrimSpace(value)) > models.MaxAliasLength {
		return "", clerrors.NewValidationError("value", "alias too long (max %d characters)", models.MaxAliasLength).
			WithConstraint("max")
	}
	cleaned := whitespaceRun.ReplaceAllString(strings.TrimSpace(value), " ")
	if strings.IndexFunc(cleaned, unicode.IsControl) >= 0 {
		return "", clerrors.NewValidationError("value", "alias contains control characters").
			WithConstraint("alias_charset")
	}
	if cleaned == "" {
		return "", clerrors.NewValidationError("value", "alias cannot be empty after cleaning")
	}
	return strings.ToLower(cleaned), nil
}

// Canonical validates value for kind and returns its canonical form.
func (v *Validator) Canonical(kind models.IdentityKind, value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", clerrors.NewValidationError("value", "identity value must be a non-empty string")
	}
	if utf8.RuneCountInString(value) > models.MaxValueLength {
		return "", clerrors.NewValidationError("value", "identity value too long (max %d characters)", models.MaxValueLength).
			WithConstraint("max")
	}

	if kind == models.KindAlias {
		return v.Alias(value)
	}

	canonical := v.normalizer.Normalize(value, string(kind))
	if canonical == "" {
		return "", clerrors.NewValidationError("value", "invalid %s format: '%s'", kind, value).
			WithConstraint(string(kind))
	}
	if kind == models.KindPhone && !v.normalizer.IsValidPhone(canonical) {
		return "", clerrors.NewValidationError("value", "invalid phone number format: '%s'", value).
			WithConstraint(string(kind))
	}
	return canonical, nil
}

// Identity validates every field of a manual identity write.
func (v *Validator) Identity(kind, value, source string, confidence *float64) (Identity, error) {
	k, err := v.Kind(kind)
	if err != nil {
		return Identity{}, err
	}
	s, err := v.Source(source)
	if err != nil {
		return Identity{}, err
	}
	c, err := v.Confidence(confidence, models.DefaultManualConfidence)
	if err != nil {
		return Identity{}, err
	}
	canonical, err := v.Canonical(k, value)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Kind:       k,
		Source:     s,
		Value:      strings.TrimSpace(value),
		Canonical:  canonical,
		Confidence: c,
	}, nil
}
