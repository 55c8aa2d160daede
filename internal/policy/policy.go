package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
)

// CheckCommandAllowed reports whether commandPath is permitted by the
// allowlist. An entry allows the command itself and everything below it, so
// "tools" allows "tools call resolve_token". Ancestors of an entry pass too:
// "tools call validate" admits the "tools call" command, and the tool name is
// then checked by CheckToolAllowed.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		norm := normalize(allowed)
		if norm == "" {
			continue
		}
		if norm == normPath || strings.HasPrefix(normPath, norm+" ") || strings.HasPrefix(norm, normPath+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", normPath)).
		WithHint("allowed: " + strings.Join(allowlist, ", "))
}

// CheckToolAllowed applies the allowlist to a tool invoked through
// "tools call" or a session.
func CheckToolAllowed(allowlist []string, tool string) error {
	return CheckCommandAllowed(allowlist, "tools call "+tool)
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
