package exec

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultDenyPatterns blocks the usual destructive shell idioms: recursive
// deletes, disk formatting, raw disk writes, power commands, and fork bombs.
func DefaultDenyPatterns() []string {
	return []string{
		`\brm\s+-[rf]{1,2}\b`,
		`\bdel\s+/[fq]\b`,
		`\brmdir\s+/s\b`,
		`\b(format|mkfs|diskpart)\b`,
		`\bdd\s+if=`,
		`>\s*/dev/sd`,
		`\b(shutdown|reboot|poweroff)\b`,
		`:\(\)\s*\{.*\};\s*:`,
	}
}

var (
	windowsPathPattern = regexp.MustCompile(`[A-Za-z]:\\[^\\"']+`)
	posixPathPattern   = regexp.MustCompile(`/[^\s"']+`)
)

// CommandGuard is a best-effort safety net in front of shell execution: a
// deny-pattern blocklist, an optional allow-pattern allowlist, and an
// optional workspace-confinement check. None of this replaces sandboxing;
// it exists to catch obviously destructive commands before they run on the
// host.
type CommandGuard struct {
	deny                []*regexp.Regexp
	allow               []*regexp.Regexp
	restrictToWorkspace bool
}

// NewCommandGuard compiles deny/allow patterns. An empty deny slice falls
// back to DefaultDenyPatterns.
func NewCommandGuard(deny, allow []string, restrictToWorkspace bool) (*CommandGuard, error) {
	if len(deny) == 0 {
		deny = DefaultDenyPatterns()
	}
	g := &CommandGuard{restrictToWorkspace: restrictToWorkspace}
	for _, p := range deny {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", p, err)
		}
		g.deny = append(g.deny, re)
	}
	for _, p := range allow {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile allow pattern %q: %w", p, err)
		}
		g.allow = append(g.allow, re)
	}
	return g, nil
}

// Check returns an error describing why command is blocked, or nil if it
// may proceed. cwd is the resolved absolute directory the command would
// run in, used for the restrict-to-workspace check.
func (g *CommandGuard) Check(command, cwd string) error {
	if g == nil {
		return nil
	}
	trimmed := strings.TrimSpace(command)
	lower := strings.ToLower(trimmed)

	for _, re := range g.deny {
		if re.MatchString(lower) {
			return fmt.Errorf("command blocked by safety guard: matches deny pattern %q", re.String())
		}
	}

	if len(g.allow) > 0 {
		allowed := false
		for _, re := range g.allow {
			if re.MatchString(lower) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("command blocked by safety guard: not in allowlist")
		}
	}

	if g.restrictToWorkspace {
		if err := g.checkWorkspaceConfinement(trimmed, cwd); err != nil {
			return err
		}
	}

	return nil
}

func (g *CommandGuard) checkWorkspaceConfinement(command, cwd string) error {
	if strings.Contains(command, "../") || strings.Contains(command, `..\`) {
		return fmt.Errorf("command blocked by safety guard: path traversal detected")
	}
	if cwd == "" {
		return nil
	}
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return nil
	}

	candidates := append(append([]string{}, windowsPathPattern.FindAllString(command, -1)...),
		posixPathPattern.FindAllString(command, -1)...)
	for _, raw := range candidates {
		if !filepath.IsAbs(raw) {
			continue
		}
		abs, err := filepath.Abs(raw)
		if err != nil {
			continue
		}
		if abs == cwdAbs {
			continue
		}
		rel, err := filepath.Rel(cwdAbs, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("command blocked by safety guard: path %q is outside the working directory", raw)
		}
	}
	return nil
}
