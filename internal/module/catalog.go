package module

import (
	"strings"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/session"
)

// DefaultCatalog returns the portal's built-in modules. elearningURL and
// monitoringURL point at the frame-hosted applications.
func DefaultCatalog(elearningURL, monitoringURL string) []domain.ModuleDescriptor {
	return []domain.ModuleDescriptor{
		{
			ID:           "help",
			Name:         "Help Center",
			Category:     "support",
			RequiresAuth: false,
			Features:     []string{"faq"},
			Version:      "1.0.0",
		},
		{
			ID:           "elearning",
			Name:         "E-Learning",
			Category:     "learning",
			RequiresAuth: true,
			Permissions:  []string{session.PermElearning},
			Features:     []string{"courses", "progress", "job_sheets", "tests"},
			Version:      "2.1.0",
			URL:          elearningURL,
		},
		{
			ID:           "monitoring",
			Name:         "Monitoring Dashboard",
			Category:     "operations",
			RequiresAuth: true,
			Permissions:  []string{session.PermViewReports},
			Features:     []string{"metrics", "alerts"},
			Version:      "1.4.0",
			URL:          monitoringURL,
		},
		{
			ID:           "tools",
			Name:         "Tools",
			Category:     "utilities",
			RequiresAuth: true,
			Permissions:  []string{session.PermTools},
			Features:     []string{"calculators", "converters"},
			Version:      "1.0.0",
		},
		{
			ID:           "cad_simulator",
			Name:         "CAD Simulator",
			Category:     "learning",
			RequiresAuth: true,
			Permissions:  []string{session.PermTools, session.PermElearning},
			Features:     []string{"simulation"},
			Version:      "0.9.0",
		},
		{
			ID:           "admin_console",
			Name:         "Administration",
			Category:     "admin",
			RequiresAuth: true,
			AdminOnly:    true,
			Permissions:  []string{session.PermManageUsers},
			Features:     []string{"users", "audit"},
			Version:      "1.2.0",
		},
	}
}

// ComponentName resolves the in-process component for a module id by convention,
// e.g. "cad_simulator" becomes "CadSimulatorModule".
func ComponentName(id string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(id, func(r rune) bool { return r == '_' || r == '-' || r == ' ' }) {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	b.WriteString("Module")
	return b.String()
}
