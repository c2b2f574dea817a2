package prompts

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	maxTemplateIDLen  = 64
	maxTemplateLength = 8192
)

var (
	placeholderPattern  = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	templateIDPattern   = regexp.MustCompile(`^[a-z0-9_-]+$`)
	variableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Variable declares a placeholder accepted by a template.
type Variable struct {
	Name     string  `json:"name"`
	Required bool    `json:"required"`
	Default  *string `json:"default,omitempty"`
}

// PromptTemplate is named prompt text with {name} placeholders.
type PromptTemplate struct {
	ID        string     `json:"id"`
	Template  string     `json:"template"`
	Variables []Variable `json:"variables"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Variable returns the declaration for name, if present.
func (t PromptTemplate) Variable(name string) (Variable, bool) {
	for _, v := range t.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// ErrInvalidTemplate wraps every Validate failure.
var ErrInvalidTemplate = errors.New("invalid template")

// Validate checks identifier, size and variable declarations.
func (t PromptTemplate) Validate() error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	return nil
}

func (t PromptTemplate) validate() error {
	if t.ID == "" {
		return errors.New("template id is required")
	}
	if len(t.ID) > maxTemplateIDLen {
		return fmt.Errorf("template id exceeds %d characters", maxTemplateIDLen)
	}
	if !templateIDPattern.MatchString(t.ID) {
		return fmt.Errorf("template id %q must match %s", t.ID, templateIDPattern.String())
	}
	if t.Template == "" {
		return errors.New("template text is required")
	}
	if len(t.Template) > maxTemplateLength {
		return fmt.Errorf("template text exceeds %d characters", maxTemplateLength)
	}

	seen := make(map[string]struct{}, len(t.Variables))
	for _, v := range t.Variables {
		if !variableNamePattern.MatchString(v.Name) {
			return fmt.Errorf("invalid variable name %q", v.Name)
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("duplicate variable %q", v.Name)
		}
		seen[v.Name] = struct{}{}
	}
	for _, name := range Placeholders(t.Template) {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("placeholder {%s} is not declared", name)
		}
	}
	return nil
}

// Placeholders lists distinct placeholder names in order of first use.
func Placeholders(text string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}
