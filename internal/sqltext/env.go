package sqltext

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/flink-studio/flinkctl/internal/fault"
)

// varPattern matches ${NAME} placeholders. Names follow the shell convention:
// uppercase, digits and underscores, not starting with a digit.
var varPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// Substitute replaces ${NAME} placeholders in sql with bindings from vars,
// falling back to the process environment. In strict mode an unresolved
// placeholder is a MISSING_ENV fault naming every missing variable; in lax
// mode unresolved placeholders are left verbatim.
func Substitute(sql string, vars map[string]string, strict bool) (string, error) {
	var missing []string

	out := varPattern.ReplaceAllStringFunc(sql, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		missing = append(missing, name)
		return match
	})

	if strict && len(missing) > 0 {
		sort.Strings(missing)
		return "", fault.New(fault.MissingEnv,
			"unresolved variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// LoadEnvFile reads KEY=VALUE pairs from a dotenv-style file. Blank lines and
// lines starting with '#' are skipped, as are lines without '='. Values may be
// wrapped in single or double quotes, which are stripped. A missing file is
// not an error and yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	vars := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return vars, nil
		}
		return nil, fmt.Errorf("sqltext: open env file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') ||
				(val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		if key != "" {
			vars[key] = val
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sqltext: read env file: %w", err)
	}
	return vars, nil
}

// Preview collapses a statement onto one line and truncates it for logs.
func Preview(sql string, max int) string {
	oneLine := strings.Join(strings.Fields(sql), " ")
	if len(oneLine) <= max {
		return oneLine
	}
	if max <= 3 {
		return oneLine[:max]
	}
	return oneLine[:max-3] + "..."
}
