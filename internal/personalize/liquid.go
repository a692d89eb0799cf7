package personalize

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// LiquidRenderer renders content as Liquid templates. Missing variables
// render as empty strings. Parsed templates are cached by source text since
// a campaign renders the same subject and bodies once per recipient.
type LiquidRenderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewLiquidRenderer creates a renderer with the default filter set plus
// "default" and "first_word".
func NewLiquidRenderer() *LiquidRenderer {
	engine := liquid.NewEngine()

	// {{ name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})
	engine.RegisterFilter("first_word", func(value interface{}) string {
		parts := strings.Fields(fmt.Sprintf("%v", value))
		if len(parts) == 0 {
			return ""
		}
		return parts[0]
	})

	return &LiquidRenderer{engine: engine}
}

// Render implements Renderer.
func (lr *LiquidRenderer) Render(s string, fields map[string]string) (string, error) {
	if !strings.Contains(s, "{{") && !strings.Contains(s, "{%") {
		return s, nil
	}

	var tpl *liquid.Template
	if cached, ok := lr.cache.Load(s); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := lr.engine.ParseString(s)
		if err != nil {
			return s, fmt.Errorf("parse template: %w", err)
		}
		lr.cache.Store(s, parsed)
		tpl = parsed
	}

	bindings := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		bindings[k] = v
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return s, fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
