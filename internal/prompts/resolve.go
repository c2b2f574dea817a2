package prompts

import (
	"errors"
	"fmt"
)

// ErrMissingRequiredVariable is matched by every MissingVariableError.
var ErrMissingRequiredVariable = errors.New("missing required variable")

// MissingVariableError reports a required placeholder with no value and no default.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing required variable: %s", e.Name)
}

func (e *MissingVariableError) Is(target error) bool {
	return target == ErrMissingRequiredVariable
}

// ResolvedPrompt is final prompt text bound from a template.
type ResolvedPrompt struct {
	TemplateID string
	Text       string
}

// Resolve substitutes declared placeholders in tpl with vars, falling back to
// declared defaults. Supplied variables the template does not declare are
// ignored. Substituted values are not re-scanned for placeholders.
func Resolve(tpl PromptTemplate, vars Variables) (ResolvedPrompt, error) {
	values := make(map[string]string, len(tpl.Variables))
	for _, decl := range tpl.Variables {
		if val, ok := vars.Get(decl.Name); ok {
			values[decl.Name] = val
			continue
		}
		if decl.Default != nil {
			values[decl.Name] = *decl.Default
			continue
		}
		if decl.Required {
			return ResolvedPrompt{}, &MissingVariableError{Name: decl.Name}
		}
		values[decl.Name] = ""
	}

	text := placeholderPattern.ReplaceAllStringFunc(tpl.Template, func(match string) string {
		name := match[1 : len(match)-1]
		if val, ok := values[name]; ok {
			return val
		}
		return match
	})
	return ResolvedPrompt{TemplateID: tpl.ID, Text: text}, nil
}
