package session

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/sessionkeeper/internal/domain"
)

var csrfAlphabet = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var idTag = fmt.Sprintf("required,max=%d,printascii", domain.MaxSessionIDLength)

// Violation is one failed rule of one field
type Violation struct {
	Field   string
	Rule    string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Rule is a validator tag applied to a value.
// If Other is set the tag compares Value against it (gtfield and friends).
type Rule struct {
	Value any
	Other any
	Tag   string
}

// Validator checks a session against a fixed rule set. It holds no session state.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	configureValidator(validate)
	return &Validator{validate: validate}
}

func configureValidator(validate *validator.Validate) {
	_ = validate.RegisterValidation("csrf", validateCsrfAlphabet)
}

func validateCsrfAlphabet(fl validator.FieldLevel) bool {
	return csrfAlphabet.MatchString(fl.Field().String())
}

// Rules maps every checked field to its rule set at reference time ref
func (v *Validator) Rules(s *domain.Session, ref time.Time) map[string]Rule {
	rules := map[string]Rule{
		"id":                {Value: s.ID(), Tag: idTag},
		"status":            {Value: string(s.Status()), Tag: "eq=ACTIVE"},
		"access_token":      {Value: s.AccessToken().String(), Tag: "required,len=64,hexadecimal,lowercase"},
		"access_expires_at": {Value: s.AccessToken().ExpiresAt(), Other: ref, Tag: "gtfield"},
		"expires_at":        {Value: s.ExpiresAt(), Other: ref, Tag: "gtfield"},
		"created_at":        {Value: s.Created().At, Tag: "required"},
		"created_ip":        {Value: s.CreatedIP(), Tag: "omitempty,ip"},
		"last_ip":           {Value: s.LastIP(), Tag: "omitempty,ip"},
	}

	if t := s.RefreshToken(); t != nil {
		rules["refresh_token"] = Rule{Value: t.String(), Tag: "required,len=64,hexadecimal,lowercase"}
	}
	if t := s.CsrfToken(); t != nil {
		rules["csrf_token"] = Rule{Value: t.String(), Tag: "required,min=43,max=128,csrf"}
		rules["csrf_expires_at"] = Rule{Value: t.ExpiresAt(), Other: ref, Tag: "gtfield"}
	}

	return rules
}

// Validate returns every violation, ordered by field name. Nil means the session is usable at ref.
func (v *Validator) Validate(s *domain.Session, ref time.Time) []Violation {
	if s == nil {
		return []Violation{{Field: "session", Rule: "required", Message: "is missing"}}
	}

	rules := v.Rules(s, ref)
	fields := make([]string, 0, len(rules))
	for f := range rules {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	var violations []Violation
	for _, field := range fields {
		violations = append(violations, v.evaluate(field, rules[field])...)
	}
	return violations
}

func (v *Validator) evaluate(field string, rule Rule) []Violation {
	var err error
	if rule.Other != nil {
		err = v.validate.VarWithValue(rule.Value, rule.Other, rule.Tag)
	} else {
		err = v.validate.Var(rule.Value, rule.Tag)
	}
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Violation{{Field: field, Rule: "invalid", Message: err.Error()}}
	}

	violations := make([]Violation, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations, Violation{
			Field:   field,
			Rule:    fe.Tag(),
			Message: ruleMessage(fe.Tag(), fe.Param()),
		})
	}
	return violations
}

func ruleMessage(tag string, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "eq":
		return fmt.Sprintf("must be %s", param)
	case "len":
		return fmt.Sprintf("must be %s characters long", param)
	case "min":
		return fmt.Sprintf("must be at least %s characters long", param)
	case "max":
		return fmt.Sprintf("must be at most %s characters long", param)
	case "gtfield":
		return "must be after the reference time"
	case "ip":
		return "must be an IP address"
	case "hexadecimal", "lowercase":
		return "must be a lowercase hex digest"
	case "csrf":
		return "must be url-safe base64"
	default:
		return fmt.Sprintf("failed %s", tag)
	}
}
