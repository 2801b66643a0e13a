package firewall

import "regexp"

// dangerousPattern is one entry in the ordered dangerous-pattern list:
// destructive SQL, shell fork-bombs, data-exfiltration CLIs, credential
// assignments. First match denies with the pattern's head (name) as reason.
type dangerousPattern struct {
	name string
	re   *regexp.Regexp
}

var dangerousPatterns = compileDangerousPatterns()

func compileDangerousPatterns() []dangerousPattern {
	raw := []struct{ name, pattern string }{
		{"destructive_sql_drop", `(?i)\bDROP\s+(TABLE|DATABASE|SCHEMA)\b`},
		{"destructive_sql_truncate", `(?i)\bTRUNCATE\s+TABLE\b`},
		{"destructive_sql_delete_all", `(?i)\bDELETE\s+FROM\s+\w+\s*(;|$)`},
		{"shell_fork_bomb", `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`},
		{"shell_rm_rf", `(?i)\brm\s+-rf\s+/`},
		{"shell_dd_disk", `(?i)\bdd\s+if=.*of=/dev/`},
		{"data_exfil_curl_post", `(?i)\bcurl\s+.*(-d|--data|-F)\s+.*https?://`},
		{"data_exfil_nc", `(?i)\bnc\s+-e\s+/bin/(sh|bash)`},
		{"data_exfil_scp_out", `(?i)\bscp\s+.*@.*:.*\s+`},
		{"credential_assignment", `(?i)(password|secret|api[_-]?key|token)\s*=\s*['"][^'"]{6,}['"]`},
	}
	out := make([]dangerousPattern, 0, len(raw))
	for _, r := range raw {
		out = append(out, dangerousPattern{name: r.name, re: regexp.MustCompile(r.pattern)})
	}
	return out
}

// matchDangerous returns the name and matched text of the first
// dangerous pattern found in content, or ok=false.
func matchDangerous(content string) (name, text string, ok bool) {
	for _, p := range dangerousPatterns {
		if m := p.re.FindString(content); m != "" {
			return p.name, m, true
		}
	}
	return "", "", false
}
