package credential

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	instanceMaxLength = 100
	mailMaxLength     = 100
)

var (
	phonePattern = regexp.MustCompile(`^\+?\d{10,15}$`)
	mailPattern  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// SecretRules requires a secret of exactly length characters.
func SecretRules(length int) []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.RuneLength(length, length).Error("secret must be exactly {{.min}} characters"),
	}
}

func MailRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.Length(1, mailMaxLength),
		validation.Match(mailPattern),
	}
}

// PhoneRules accepts an empty phone; when present it must be 10-15 digits.
func PhoneRules() []validation.Rule {
	return []validation.Rule{
		validation.Match(phonePattern),
	}
}

func InstanceRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.Length(1, instanceMaxLength),
	}
}

func LimitRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.Min(1),
	}
}

// Validate checks a create request against the pool's secret length.
func (in CreateInput) Validate(secretLength int) error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, MailRules()...),
		validation.Field(&in.Phone, PhoneRules()...),
		validation.Field(&in.Instance, InstanceRules()...),
		validation.Field(&in.Secret, SecretRules(secretLength)...),
		validation.Field(&in.MonthlyLimit, LimitRules()...),
	)
}

// Validate checks only the fields present in the update.
func (in UpdateInput) Validate(secretLength int) error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.When(in.Email != nil, MailRules()...)),
		validation.Field(&in.Phone, validation.When(in.Phone != nil, PhoneRules()...)),
		validation.Field(&in.Instance, validation.When(in.Instance != nil, InstanceRules()...)),
		validation.Field(&in.Secret, validation.When(in.Secret != nil, SecretRules(secretLength)...)),
		validation.Field(&in.MonthlyLimit, validation.When(in.MonthlyLimit != nil, LimitRules()...)),
	)
}
