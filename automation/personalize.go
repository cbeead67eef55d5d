package automation

import (
	"regexp"
	"strings"

	"clinicmail/models"
)

// Fallbacks used when the subscriber record lacks a value
const (
	DefaultFirstName    = "there"
	DefaultResourceName = "our free guide"
)

// placeholder pattern: {{first_name}}, tolerant of inner spaces
var tokenPattern = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// Personalizer substitutes subscriber attributes into operator-authored
// templates. Output is not HTML-escaped.
type Personalizer struct {
	SiteURL string
	// UnsubscribeURL builds the link for {{unsubscribe_link}}; nil leaves the token as is
	UnsubscribeURL func(sub models.Subscriber) string
}

func NewPersonalizer(siteURL string, unsubscribeURL func(models.Subscriber) string) *Personalizer {
	return &Personalizer{
		SiteURL:        strings.TrimRight(siteURL, "/"),
		UnsubscribeURL: unsubscribeURL,
	}
}

// Render replaces known tokens; unknown ones are left untouched
func (p *Personalizer) Render(template string, sub models.Subscriber) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	vars := p.variables(sub)
	return tokenPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

func (p *Personalizer) variables(sub models.Subscriber) map[string]string {
	firstName := strings.TrimSpace(sub.FirstName)
	if firstName == "" {
		firstName = DefaultFirstName
	}

	resource := p.resourceName(sub)
	vars := map[string]string{
		"first_name":    firstName,
		"last_name":     strings.TrimSpace(sub.LastName),
		"email":         sub.Email,
		"resource_name": resource,
		"download_link": p.downloadLink(sub, resource),
	}
	if p.UnsubscribeURL != nil {
		vars["unsubscribe_link"] = p.UnsubscribeURL(sub)
	}
	return vars
}

func (p *Personalizer) resourceName(sub models.Subscriber) string {
	for _, key := range []string{models.MetaResourceName, models.MetaLastResource} {
		if v := strings.TrimSpace(sub.MetaString(key)); v != "" {
			return v
		}
	}
	return DefaultResourceName
}

func (p *Personalizer) downloadLink(sub models.Subscriber, resource string) string {
	if link := strings.TrimSpace(sub.MetaString(models.MetaDownloadLink)); link != "" {
		return link
	}
	if resource == DefaultResourceName {
		return p.SiteURL + "/resources"
	}
	return p.SiteURL + "/resources/" + slugify(resource)
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
