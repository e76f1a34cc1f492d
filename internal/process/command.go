package process

import (
	"os"
	"os/exec"
	"strings"
)

// Command describes one external command line to supervise.
type Command struct {
	Line    string   `json:"line"`
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // optional extra env, KEY=VALUE
	// Tag is passed through to Config.OnStart; the pipeline sets the job name.
	Tag string `json:"tag,omitempty"`
}

// build constructs the *exec.Cmd. Command lines always run through a shell,
// since job steps routinely use pipes, redirection and chained commands. A
// line that is exactly "<shell> -c <script>" runs under that shell without
// double-wrapping; anything else goes to shell verbatim.
func (c Command) build(shell string) *exec.Cmd {
	if shell == "" {
		shell = "/bin/sh"
	}
	line := strings.TrimSpace(c.Line)
	if explicit, afterC, ok := parseExplicitShell(line); ok {
		shell, line = explicit, afterC
	}
	// #nosec G204 -- running configured job commands is the purpose of this package
	cmd := exec.Command(shell, "-c", line)
	cmd.Dir = c.WorkDir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

// parseExplicitShell detects "sh -c <ARG>", "/bin/sh -c <ARG>", "bash -c <ARG>"
// and similar at the start of cmdStr and returns (shellPath, script, true).
// It only matches when ARG is the whole rest of the line: a single quoted
// word with no matching quote inside, or a bare word. Lines like
// "sh -c 'a' && b" do not match and must run as written.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimSpace(cmdStr)
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c ", "bash -c ", "/bin/bash -c ", "/usr/bin/bash -c "}
	for _, p := range candidates {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := strings.TrimLeft(trim[len(p):], " \t")
		if after == "" {
			return "", "", false
		}
		if q := after[0]; q == '\'' || q == '"' {
			n := len(after)
			if n < 2 || after[n-1] != q {
				return "", "", false
			}
			inner := after[1 : n-1]
			if strings.IndexByte(inner, q) >= 0 {
				return "", "", false
			}
			if q == '"' && strings.ContainsAny(inner, "\\$`") {
				// the outer shell would expand these before the inner one runs
				return "", "", false
			}
			return strings.Fields(p)[0], inner, true
		}
		if strings.ContainsAny(after, " \t'\"\\$`;&|<>()") {
			return "", "", false
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
