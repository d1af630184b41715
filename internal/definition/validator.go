package definition

import (
	"fmt"

	"github.com/pitabwire/officeflow/internal/condition"
	"github.com/pitabwire/officeflow/model"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks templates structurally and referentially before the
// registry accepts them.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every problem found in tmpl. An empty result means the
// template may be registered.
func (v *Validator) Validate(tmpl model.Template) []VError {
	var errs []VError

	if tmpl.ID == "" {
		errs = append(errs, VError{Path: "id", Code: "REQUIRED", Message: "id is required"})
	}
	if tmpl.Name == "" {
		errs = append(errs, VError{Path: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(tmpl.Steps) == 0 {
		errs = append(errs, VError{Path: "steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	stepIDs := make(map[string]bool, len(tmpl.Steps))
	for i, s := range tmpl.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
			continue
		}
		if stepIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		stepIDs[s.ID] = true
	}

	for i, s := range tmpl.Steps {
		errs = append(errs, v.validateStep(fmt.Sprintf("steps[%d]", i), s, stepIDs)...)
	}
	return errs
}

func (v *Validator) validateStep(prefix string, s model.Step, stepIDs map[string]bool) []VError {
	var errs []VError

	switch {
	case s.Type == "":
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "step type is required"})
	case !s.Type.Valid():
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid step type %q", s.Type)})
	}

	if s.Type == model.StepTypeApproval && s.Approvers.IsEmpty() {
		errs = append(errs, VError{Path: prefix + ".approvers", Code: "REQUIRED", Message: "approval step needs at least one approver rule"})
	}

	for j, tr := range s.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, j)
		if tr.Target == "" {
			errs = append(errs, VError{Path: tp + ".target", Code: "REQUIRED", Message: "transition target is required"})
		} else if !stepIDs[tr.Target] {
			errs = append(errs, VError{Path: tp + ".target", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("step %q not found", tr.Target)})
		}
		if tr.Condition != "" {
			if err := condition.Validate(tr.Condition); err != nil {
				errs = append(errs, VError{Path: tp + ".condition", Code: "MALFORMED", Message: err.Error()})
			}
		}
	}
	return errs
}

// AsDefinitionError folds validation errors into a DEFINITION_ERROR envelope.
func AsDefinitionError(templateID string, errs []VError) *model.ErrorEnvelope {
	details := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		details = append(details, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return model.NewDefinitionError(fmt.Sprintf("template %q is invalid", templateID), details...)
}
