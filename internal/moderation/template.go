package moderation

import "strings"

// RenderTemplate expands the placeholders admins can use in welcome and
// rules texts. Unknown placeholders pass through untouched.
func RenderTemplate(s, website, name string) string {
	r := strings.NewReplacer(
		"{website}", website,
		"{name}", name,
	)
	return r.Replace(s)
}
