package definition

import (
	"fmt"

	"github.com/pitabwire/officeflow/internal/condition"
	"github.com/pitabwire/officeflow/model"
)

// GetStep returns the step with the given id. A missing step is a definition
// error since instances only reference steps of their own template version.
func GetStep(tmpl model.Template, stepID string) (model.Step, error) {
	for _, s := range tmpl.Steps {
		if s.ID == stepID {
			return s, nil
		}
	}
	return model.Step{}, model.NewDefinitionError(
		fmt.Sprintf("step %q not found in template %q version %d", stepID, tmpl.ID, tmpl.Version),
	)
}

// FirstStep returns the first declared step.
func FirstStep(tmpl model.Template) (model.Step, error) {
	if len(tmpl.Steps) == 0 {
		return model.Step{}, model.NewDefinitionError(
			fmt.Sprintf("template %q has no steps", tmpl.ID),
		)
	}
	return tmpl.Steps[0], nil
}

// NextStep resolves the step that follows fromID given the instance data.
// A step without transitions falls through to the next declared step.
// Otherwise the first transition whose condition is empty or holds wins. A
// nil step with a nil error means the workflow is complete.
func NextStep(tmpl model.Template, fromID string, data map[string]any) (*model.Step, error) {
	idx := -1
	for i, s := range tmpl.Steps {
		if s.ID == fromID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, model.NewDefinitionError(
			fmt.Sprintf("step %q not found in template %q version %d", fromID, tmpl.ID, tmpl.Version),
		)
	}

	from := tmpl.Steps[idx]
	if len(from.Transitions) == 0 {
		if idx+1 < len(tmpl.Steps) {
			next := tmpl.Steps[idx+1]
			return &next, nil
		}
		return nil, nil
	}

	for _, tr := range from.Transitions {
		if tr.Condition != "" && !condition.Evaluate(tr.Condition, data) {
			continue
		}
		next, err := GetStep(tmpl, tr.Target)
		if err != nil {
			return nil, err
		}
		return &next, nil
	}
	return nil, nil
}
