// Package personalize substitutes recipient fields into campaign content.
package personalize

import (
	"regexp"
	"strings"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

// Renderer produces the per-recipient version of a template string.
type Renderer interface {
	Render(s string, fields map[string]string) (string, error)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render replaces every {{key}} placeholder with fields[key]. Placeholders
// whose key is absent from fields are left untouched, so the output of a
// string without placeholders is the input.
func Render(s string, fields map[string]string) string {
	if len(fields) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := fields[key]; ok {
			return v
		}
		return m
	})
}

// FieldsFor returns the substitution fields for one recipient. A recipient
// without a name contributes no name fields, so {{name}} survives verbatim.
func FieldsFor(r domain.Recipient) map[string]string {
	fields := map[string]string{"email": r.Email}
	name := strings.TrimSpace(r.Name)
	if name != "" {
		fields["name"] = name
		fields["first_name"] = strings.Fields(name)[0]
	}
	return fields
}

// PlaceholderRenderer is the default Renderer backed by Render.
type PlaceholderRenderer struct{}

// Render implements Renderer.
func (PlaceholderRenderer) Render(s string, fields map[string]string) (string, error) {
	return Render(s, fields), nil
}

// New returns the renderer for the configured engine name. Unknown names
// fall back to placeholder substitution.
func New(engine string) Renderer {
	switch strings.ToLower(engine) {
	case "liquid":
		return NewLiquidRenderer()
	default:
		return PlaceholderRenderer{}
	}
}
