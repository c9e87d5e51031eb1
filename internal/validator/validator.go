// Package validator screens untrusted scene code before it reaches the
// rendering engine. The screening is deliberately heuristic: it rejects
// obvious abuse, it does not sandbox.
package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// denyRule pairs a compiled pattern with the label reported on rejection.
type denyRule struct {
	pattern *regexp.Regexp
	label   string
}

// Deny rules match identifiers that reach outside the scene: process
// spawning, dynamic evaluation, filesystem and introspection builtins.
// Order is fixed so rejection messages are deterministic.
var denyRules = []denyRule{
	{regexp.MustCompile(`\bos\.system\b`), "os.system"},
	{regexp.MustCompile(`\bsubprocess\b`), "subprocess"},
	{regexp.MustCompile(`\beval\b`), "eval"},
	{regexp.MustCompile(`\bexec\b`), "exec"},
	{regexp.MustCompile(`\bopen\b`), "open"},
	{regexp.MustCompile(`\b__import__\b`), "__import__"},
	{regexp.MustCompile(`\bglobals\b`), "globals"},
	{regexp.MustCompile(`\blocals\b`), "locals"},
	{regexp.MustCompile(`\bvars\b`), "vars"},
	{regexp.MustCompile(`\bdir\b`), "dir"},
	{regexp.MustCompile(`\bgetattr\b`), "getattr"},
	{regexp.MustCompile(`\bsetattr\b`), "setattr"},
	{regexp.MustCompile(`\bdelattr\b`), "delattr"},
	{regexp.MustCompile(`\bhasattr\b`), "hasattr"},
}

var sceneClassPattern = regexp.MustCompile(`class\s+(\w+)\s*\([^)]*Scene[^)]*\):`)

// loopLookahead is how many following lines are scanned for a break or
// return before an unconditional loop is rejected.
const loopLookahead = 10

// Validate screens the submitted code and returns a rejection reason as
// an error, or nil if the code may be handed to the engine.
func Validate(code string) error {
	sanitized := stripStringsAndComments(code)

	for _, rule := range denyRules {
		if rule.pattern.MatchString(sanitized) {
			return fmt.Errorf("Potentially dangerous code detected: %s", rule.label)
		}
	}

	// Unconditional loops with no escape in sight will never finish
	// rendering; reject them up front instead of burning the timeout.
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if !strings.HasPrefix(stripped, "while True:") && !strings.HasPrefix(stripped, "while 1:") {
			continue
		}
		hasEscape := false
		for j := i + 1; j < i+loopLookahead && j < len(lines); j++ {
			if strings.Contains(lines[j], "break") || strings.Contains(lines[j], "return") {
				hasEscape = true
				break
			}
		}
		if !hasEscape {
			return fmt.Errorf("Potential infinite loop detected at line %d", i+1)
		}
	}

	return nil
}

// ExtractSceneNames returns the names of classes that inherit from a
// Scene base, in source order.
func ExtractSceneNames(code string) []string {
	matches := sceneClassPattern.FindAllStringSubmatch(code, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// stripStringsAndComments blanks out string literals and comments so the
// deny-list scan ignores their contents. Newlines are kept so line
// numbers stay stable. If a multi-line string is left unterminated the
// raw text is returned and scanned as-is.
func stripStringsAndComments(code string) string {
	out := []byte(code)
	n := len(code)
	i := 0
	for i < n {
		switch c := code[i]; {
		case c == '#':
			for i < n && code[i] != '\n' {
				out[i] = ' '
				i++
			}
		case c == '\'' || c == '"':
			quote := c
			triple := i+2 < n && code[i+1] == quote && code[i+2] == quote
			start := i
			if triple {
				i += 3
			} else {
				i++
			}
			closed := false
			for i < n {
				if code[i] == '\\' && i+1 < n {
					i += 2
					continue
				}
				if code[i] == quote {
					if !triple {
						i++
						closed = true
						break
					}
					if i+2 < n && code[i+1] == quote && code[i+2] == quote {
						i += 3
						closed = true
						break
					}
				}
				if !triple && code[i] == '\n' {
					break
				}
				i++
			}
			if !closed {
				if triple {
					return code
				}
				// An unterminated single-line string: leave the line
				// visible to the scan, matching tokenizer recovery.
				continue
			}
			for j := start; j < i && j < n; j++ {
				if code[j] != '\n' {
					out[j] = ' '
				}
			}
		default:
			i++
		}
	}
	return string(out)
}
