// Package validation checks subscription input before it reaches the store.
//
// Structural rules are expressed with ozzo-validation. The duplicate-email check
// is a fast path for a friendly error message; the store's own uniqueness
// constraint remains the authoritative guard.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"recipebox/internal/models"
)

const (
	NameMaxLength  = 100
	EmailMaxLength = 254
)

var (
	required    = validation.Required.Error(models.MsgRequired)
	nameLength  = validation.RuneLength(0, NameMaxLength).Error(fmt.Sprintf("Ensure this field has no more than %d characters.", NameMaxLength))
	emailLength = validation.RuneLength(0, EmailMaxLength).Error(fmt.Sprintf("Ensure this field has no more than %d characters.", EmailMaxLength))
	emailFormat = is.EmailFormat.Error(models.MsgInvalidEmail)
)

// EmailLookup reports whether an email already belongs to a subscriber other than excludeID.
type EmailLookup interface {
	EmailExists(ctx context.Context, email string, excludeID uuid.UUID) (bool, error)
}

type Validator struct {
	lookup EmailLookup
}

func New(lookup EmailLookup) *Validator {
	return &Validator{lookup: lookup}
}

// ValidateSubscription trims the request and validates it for creation.
// It returns *models.ValidationError for rejected input and a plain error
// only when the uniqueness lookup itself fails.
func (v *Validator) ValidateSubscription(ctx context.Context, req models.SubscriptionRequest) (models.SubscriptionRequest, error) {
	in := models.SubscriptionRequest{
		Name:  strings.TrimSpace(req.Name),
		Email: strings.TrimSpace(req.Email),
	}

	fields := models.FieldErrors{}
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Name, required, nameLength),
		validation.Field(&in.Email, required, emailLength, emailFormat),
	)
	if err := collect(err, fields); err != nil {
		return in, err
	}

	if err := v.checkDuplicate(ctx, in.Email, uuid.Nil, fields); err != nil {
		return in, err
	}

	if len(fields) > 0 {
		return in, models.NewValidationError(fields)
	}
	return in, nil
}

// ValidateUpdate validates an update for subscriber id. With partial set, absent
// fields are skipped; otherwise every editable field is required.
func (v *Validator) ValidateUpdate(ctx context.Context, id uuid.UUID, u models.SubscriberUpdate, partial bool) (models.SubscriberUpdate, error) {
	out := models.SubscriberUpdate{
		Name:  trimPtr(u.Name),
		Email: trimPtr(u.Email),
	}

	fields := models.FieldErrors{}
	err := validation.ValidateStruct(&out,
		validation.Field(&out.Name, validation.When(!partial || out.Name != nil, required), nameLength),
		validation.Field(&out.Email, validation.When(!partial || out.Email != nil, required), emailLength, emailFormat),
	)
	if err := collect(err, fields); err != nil {
		return out, err
	}

	if out.Email != nil {
		if err := v.checkDuplicate(ctx, *out.Email, id, fields); err != nil {
			return out, err
		}
	}

	if len(fields) > 0 {
		return out, models.NewValidationError(fields)
	}
	return out, nil
}

func (v *Validator) checkDuplicate(ctx context.Context, email string, excludeID uuid.UUID, fields models.FieldErrors) error {
	if v.lookup == nil || email == "" {
		return nil
	}
	if _, invalid := fields["email"]; invalid {
		return nil
	}

	taken, err := v.lookup.EmailExists(ctx, email, excludeID)
	if err != nil {
		return fmt.Errorf("check email uniqueness: %w", err)
	}
	if taken {
		fields.Add("email", models.MsgAlreadySubscribed)
	}
	return nil
}

func collect(err error, fields models.FieldErrors) error {
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return err
	}
	for field, fieldErr := range errs {
		fields.Add(field, fieldErr.Error())
	}
	return nil
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}
