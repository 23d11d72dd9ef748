package deployer

import "strings"

// slugify turns a branch name into a DNS-label-safe slug for the
// auto-generated subdomain `<service>-<branch>.<project>.<base_domain>`
// (spec.md §4.4): lowercase, slashes, underscores, dots and hyphens become
// hyphens, any other non-alphanumeric character is dropped; runs of hyphens
// collapse to one, leading/trailing hyphens are trimmed, and an empty
// result becomes "branch".
func slugify(branch string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(branch) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '/' || r == '_' || r == '.' || r == '-':
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if slug == "" {
		slug = "branch"
	}
	return slug
}
