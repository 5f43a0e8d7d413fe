// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/omica1992/whatsapp-dispatch/internal/model"
)

// RenderTemplate replaces {key} placeholders in a campaign message.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// campaignVariables are the placeholders campaign messages may use.
func campaignVariables(c *model.Contact, number string) map[string]string {
	data := map[string]string{"numero": number, "number": number}
	if c != nil {
		data["nome"] = c.Name
		data["name"] = c.Name
		data["email"] = c.Email
		if first, _, ok := strings.Cut(c.Name, " "); ok {
			data["primeiro_nome"] = first
		} else {
			data["primeiro_nome"] = c.Name
		}
	}
	return data
}
