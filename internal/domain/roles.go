package domain

import "strings"

// DefaultRoles are the agent roles a fresh workspace knows about.
var DefaultRoles = []string{
	"frontend_agent",
	"backend_agent",
	"db_agent",
	"devops_agent",
	"qa_agent",
	"docs_agent",
	"security_agent",
	"ux_ui_agent",
}

var roleAliases = map[string]string{
	"database":                  "db",
	"database_architect":        "db",
	"frontend_developer":        "frontend",
	"backend_developer":         "backend",
	"qa_testing":                "qa",
	"qa_and_testing":            "qa",
	"testing":                   "qa",
	"documentation":             "docs",
	"devops_infrastructure":     "devops",
	"devops_and_infrastructure": "devops",
	"ux":                        "ux_ui",
	"ui":                        "ux_ui",
	"ux_ui_designer":            "ux_ui",
}

// NormalizeRole maps the free-form agent names produced by planners
// ("Frontend Developer Agent", "BACKEND", "qa_testing_agent") onto canonical
// role ids such as "frontend_agent".
func NormalizeRole(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "&", " and ")
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' })
	s = strings.Join(parts, "_")
	s = strings.TrimSuffix(s, "_agent")
	if s == "agent" {
		return ""
	}
	if alias, ok := roleAliases[s]; ok {
		s = alias
	}
	return s + "_agent"
}
