package synth

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/maestroframework/maestro/core"
)

// BaseClass is the class every generated agent must inherit from, and
// baseModule is the only place it may be imported from.
const (
	BaseClass  = "BaseAgent"
	baseModule = "agent_runtime"
)

// requiredMethods are the four lifecycle methods every agent body must
// define. An empty body (bare pass with no other statements counts as
// empty only for execute) is rejected.
var requiredMethods = []string{"__init__", "initialize", "execute", "cleanup"}

// approvedImports lists the import roots generated code may use.
// Submodules of an approved root are allowed.
var approvedImports = map[string]bool{
	baseModule:    true,
	"json":        true,
	"time":        true,
	"datetime":    true,
	"logging":     true,
	"re":          true,
	"math":        true,
	"statistics":  true,
	"collections": true,
	"itertools":   true,
	"functools":   true,
	"typing":      true,
	"dataclasses": true,
	"asyncio":     true,
	"requests":    true,
	"urllib":      true,
	"email":       true,
	"imaplib":     true,
	"smtplib":     true,
	"csv":         true,
	"hashlib":     true,
	"base64":      true,
	"uuid":        true,
	"random":      true,
}

// forbiddenPatterns are denylist matches against the raw source. Each
// carries the label surfaced in the rejection message.
var forbiddenPatterns = []struct {
	label string
	re    *regexp.Regexp
}{
	{"subprocess", regexp.MustCompile(`\bsubprocess\b`)},
	{"eval", regexp.MustCompile(`\beval\s*\(`)},
	{"exec", regexp.MustCompile(`\bexec\s*\(`)},
	{"os.system", regexp.MustCompile(`\bos\s*\.\s*system\b`)},
	{"os.popen", regexp.MustCompile(`\bos\s*\.\s*popen\b`)},
	{"shell spawn", regexp.MustCompile(`\bpty\.spawn\b|\bcommands\.getoutput\b`)},
	{"write-mode open", regexp.MustCompile(`\bopen\s*\([^)]*["'][rwax+b]*[wa][rwax+b]*["']`)},
	{"globals", regexp.MustCompile(`\bglobals\s*\(`)},
	{"locals", regexp.MustCompile(`\blocals\s*\(`)},
	{"compile", regexp.MustCompile(`\bcompile\s*\(`)},
	{"dynamic import", regexp.MustCompile(`__import__\s*\(`)},
	{"importlib", regexp.MustCompile(`\bimportlib\b`)},
	{"ctypes", regexp.MustCompile(`\bctypes\b`)},
}

var (
	importLine     = regexp.MustCompile(`^\s*import\s+([A-Za-z_][\w.]*)`)
	fromImportLine = regexp.MustCompile(`^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`)
	classLine      = regexp.MustCompile(`^class\s+(\w+)\s*\(([^)]*)\)\s*:`)
	defLine        = regexp.MustCompile(`^\s+def\s+(\w+)\s*\(`)
)

// Validate applies the full static check battery to generated source:
// structural parse, forbidden-pattern denylist, import allowlist,
// required methods, base-class inheritance, and truncation detection.
// The returned error message is what retry prompts feed back to the
// model, so it names the exact failure.
func Validate(source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return fmt.Errorf("generated source is empty: %w", core.ErrCodeGeneration)
	}

	for _, fp := range forbiddenPatterns {
		if fp.re.MatchString(source) {
			return fmt.Errorf("Forbidden operation: %s: %w", fp.label, core.ErrForbiddenOperation)
		}
	}

	if err := checkStructure(source); err != nil {
		return err
	}
	if err := checkImports(source); err != nil {
		return err
	}
	return checkClass(source)
}

// checkStructure is a lightweight stand-in for a real parser: balanced
// brackets, colon-terminated def/class headers, and a complete final
// definition. Truncated output from a model almost always trips one of
// these.
func checkStructure(source string) error {
	var round, square, curly int
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		stripped := stripStringsAndComments(line)
		round += strings.Count(stripped, "(") - strings.Count(stripped, ")")
		square += strings.Count(stripped, "[") - strings.Count(stripped, "]")
		curly += strings.Count(stripped, "{") - strings.Count(stripped, "}")

		trimmed := strings.TrimSpace(stripped)
		if (strings.HasPrefix(trimmed, "def ") || strings.HasPrefix(trimmed, "class ")) &&
			round == 0 && !strings.HasSuffix(trimmed, ":") {
			return fmt.Errorf("syntax error on line %d: definition header missing ':': %w", i+1, core.ErrCodeGeneration)
		}
	}
	if round != 0 || square != 0 || curly != 0 {
		return fmt.Errorf("syntax error: unbalanced brackets, source appears truncated: %w", core.ErrCodeGeneration)
	}

	// A body whose last definition has no statement under it means the
	// model stopped mid-method.
	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasSuffix(last, ":") {
		return fmt.Errorf("source truncated: final definition has no body: %w", core.ErrCodeGeneration)
	}
	return nil
}

func checkImports(source string) error {
	for _, line := range strings.Split(source, "\n") {
		var module string
		if m := importLine.FindStringSubmatch(line); m != nil {
			module = m[1]
		} else if m := fromImportLine.FindStringSubmatch(line); m != nil {
			module = m[1]
		} else {
			continue
		}
		root := module
		if idx := strings.Index(module, "."); idx >= 0 {
			root = module[:idx]
		}
		if !approvedImports[root] {
			return fmt.Errorf("import of %q is not in the approved library list: %w", module, core.ErrForbiddenOperation)
		}
	}
	return nil
}

func checkClass(source string) error {
	lines := strings.Split(source, "\n")

	inherits := false
	for _, line := range lines {
		if m := classLine.FindStringSubmatch(line); m != nil {
			for _, base := range strings.Split(m[2], ",") {
				if strings.TrimSpace(base) == BaseClass {
					inherits = true
				}
			}
		}
	}
	if !inherits {
		return fmt.Errorf("agent class must inherit from %s: %w", BaseClass, core.ErrCodeGeneration)
	}

	bodies := methodBodies(lines)
	for _, method := range requiredMethods {
		body, ok := bodies[method]
		if !ok {
			return fmt.Errorf("required method %s is missing: %w", method, core.ErrCodeGeneration)
		}
		if isEmptyBody(body) {
			return fmt.Errorf("required method %s has an empty body: %w", method, core.ErrCodeGeneration)
		}
	}
	return nil
}

// methodBodies collects the statement lines under each method def,
// keyed by method name. Indentation deeper than the def line belongs
// to the body.
func methodBodies(lines []string) map[string][]string {
	bodies := make(map[string][]string)
	var current string
	var defIndent int
	for _, line := range lines {
		if m := defLine.FindStringSubmatch(line); m != nil {
			current = m[1]
			defIndent = indentOf(line)
			continue
		}
		if current == "" || strings.TrimSpace(line) == "" {
			continue
		}
		if indentOf(line) <= defIndent {
			current = ""
			continue
		}
		bodies[current] = append(bodies[current], strings.TrimSpace(line))
	}
	return bodies
}

func isEmptyBody(body []string) bool {
	for _, stmt := range body {
		if stmt == "pass" || stmt == "..." || strings.HasPrefix(stmt, "#") {
			continue
		}
		if strings.HasPrefix(stmt, `"""`) || strings.HasPrefix(stmt, `'''`) {
			continue
		}
		return false
	}
	return true
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

// stripStringsAndComments blanks out string literals and trailing
// comments so bracket counting ignores them. Non-ASCII literals pass
// through untouched.
func stripStringsAndComments(line string) string {
	var out strings.Builder
	var quote rune
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '#':
			return out.String()
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}
