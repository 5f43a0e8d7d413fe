// internal/channel/template.go
package channel

import (
	"regexp"
	"strings"

	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Variables holds values for named ({{name}}) and positional ({{1}})
// template placeholders.
type Variables map[string]string

// ContactVariables builds the standard variable set for a contact.
func ContactVariables(c *model.Contact) Variables {
	if c == nil {
		return Variables{}
	}
	first := c.Name
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	return Variables{
		"name":       c.Name,
		"nome":       c.Name,
		"first_name": first,
		"number":     c.Number,
		"numero":     c.Number,
		"email":      c.Email,
	}
}

func (v Variables) replace(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if val, ok := v[key]; ok {
			return val
		}
		return m
	})
}

// ApplyVariables returns a copy of tpl with placeholders in text parameters
// replaced. A parameter with a ParameterName takes that variable directly
// when its text is empty.
func ApplyVariables(tpl model.Template, vars Variables) model.Template {
	out := tpl
	out.Components = make([]model.TemplateComponent, len(tpl.Components))
	for i, c := range tpl.Components {
		cc := c
		cc.Parameters = make([]model.TemplateParameter, len(c.Parameters))
		for k, p := range c.Parameters {
			if p.Text == "" && p.ParameterName != "" {
				p.Text = vars[p.ParameterName]
			}
			p.Text = vars.replace(p.Text)
			cc.Parameters[k] = p
		}
		out.Components[i] = cc
	}
	return out
}

// ApplyText replaces placeholders in a plain text body.
func ApplyText(body string, vars Variables) string {
	return vars.replace(body)
}
