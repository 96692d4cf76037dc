package security

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrScriptBlocked is returned when an evaluated script matches a deny pattern.
var ErrScriptBlocked = errors.New("script matches a blocked pattern")

// MaxScriptWarnLength is the length above which a script draws a warning.
const MaxScriptWarnLength = 10000

// denyPattern pairs a compiled pattern with a human-readable reason. The
// reason is safe to surface to clients; the matched text is not echoed back.
type denyPattern struct {
	re     *regexp.Regexp
	reason string
}

// Matching is case-insensitive throughout. Patterns target the obvious
// dynamic-code, DOM-injection, and infinite-loop shapes; they are a policy
// gate, not a JS parser.
var scriptDenyPatterns = []denyPattern{
	{regexp.MustCompile(`(?i)\beval\s*\(`), "eval() is not allowed"},
	{regexp.MustCompile(`(?i)\bnew\s+Function\s*\(`), "new Function() is not allowed"},
	{regexp.MustCompile(`(?i)\.\s*innerHTML\s*[+]?=`), "innerHTML assignment is not allowed"},
	{regexp.MustCompile(`(?i)\.\s*outerHTML\s*[+]?=`), "outerHTML assignment is not allowed"},
	{regexp.MustCompile(`(?i)\bdocument\s*\.\s*write(ln)?\s*\(`), "document.write is not allowed"},
	{regexp.MustCompile(`(?i)\bdocument\s*\.\s*cookie\b`), "document.cookie access is not allowed"},
	{regexp.MustCompile(`(?i)\bwindow\s*\.\s*location\s*=`), "window.location assignment is not allowed"},
	{regexp.MustCompile(`(?i)<\s*script\b`), "script tags are not allowed"},
	{regexp.MustCompile(`(?i)\.\s*(appendChild|removeChild|replaceChild)\s*\(`), "DOM child manipulation is not allowed"},
	{regexp.MustCompile(`(?i)\bjavascript\s*:`), "javascript: URLs are not allowed"},
	{regexp.MustCompile(`(?i)<\s*iframe\b`), "iframe tags are not allowed"},
	{regexp.MustCompile(`(?i)\bon\w+\s*=`), "inline event handlers are not allowed"},
	{regexp.MustCompile(`(?i)\bwhile\s*\(\s*(true|1)\s*\)`), "unbounded while loops are not allowed"},
	{regexp.MustCompile(`(?i)\bfor\s*\(\s*;\s*;\s*\)`), "unbounded for loops are not allowed"},
}

// warnPattern describes risky-but-permitted constructs.
var scriptWarnPatterns = []denyPattern{
	{regexp.MustCompile(`(?i)\blocalStorage\b`), "script accesses localStorage"},
	{regexp.MustCompile(`(?i)\bsessionStorage\b`), "script accesses sessionStorage"},
	{regexp.MustCompile(`(?i)\bfetch\s*\(`), "script performs network requests via fetch"},
	{regexp.MustCompile(`(?i)__proto__`), "script touches __proto__"},
	{regexp.MustCompile(`(?i)\bconstructor\b`), "script references constructor"},
}

// ScriptCheck carries the non-blocking warnings from script validation.
type ScriptCheck struct {
	Warnings []string
}

// ValidateScript applies the deny and warn pattern sets to a script
// destined for evaluate or waitForFunction. A deny match rejects the
// script; warn matches and excessive length only annotate the result.
func ValidateScript(code string) (ScriptCheck, error) {
	var check ScriptCheck

	for _, p := range scriptDenyPatterns {
		if p.re.MatchString(code) {
			return check, fmt.Errorf("%w: %s", ErrScriptBlocked, p.reason)
		}
	}

	for _, p := range scriptWarnPatterns {
		if p.re.MatchString(code) {
			check.Warnings = append(check.Warnings, p.reason)
		}
	}

	if len(code) > MaxScriptWarnLength {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("script is unusually long (%d chars)", len(code)))
	}

	return check, nil
}
