// internal/service/template_service.go
package service

import (
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// RenderTemplate substitutes {{key}} tokens with values from data. Tokens
// without a matching key are left exactly as written. No escaping is applied.
func RenderTemplate(template string, data map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(token string) string {
		key := placeholderRe.FindStringSubmatch(token)[1]
		if v, ok := data[key]; ok {
			return v
		}
		return token
	})
}

// RenderMessage renders a subject/body pair with the same field map.
func RenderMessage(subject, body string, data map[string]string) (string, string) {
	return RenderTemplate(subject, data), RenderTemplate(body, data)
}
