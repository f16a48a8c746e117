// Package probe determines which runtime and extension packages an install
// would fetch, by querying the bridge directly or by parsing the streamed
// output of an interactive install session up to its confirmation prompt.
//
// The text grammar here is best-effort compatibility with one CLI's output,
// not a contract: unrecognized rows degrade to "Unknown" sizes and never
// abort the probe.
package probe

import (
	"regexp"
	"strings"

	"github.com/orchardstore/orchard/internal/types"
)

// UnknownSize is reported when no size-token run is found in a row.
const UnknownSize = "Unknown"

// Size runs start no earlier than this token offset in a numbered row
// (ordinal, name, branch, op, remote come first).
const sizeRunOffset = 2

var (
	ordinalRe = regexp.MustCompile(`^\d+\.$`)
	// Numeric with either a dot or comma decimal separator, with optional
	// thousands groups.
	numericRe = regexp.MustCompile(`^\d{1,3}([.,]\d{3})*([.,]\d+)?$|^\d+([.,]\d+)?$`)
	unitRe    = regexp.MustCompile(`^(B|bytes|[kKMGT]i?B)$`)
	refRe     = regexp.MustCompile(`^(app|runtime)/[\w.-]+/[\w-]+/[\w.-]+$`)
)

var whitespaceReplacer = strings.NewReplacer(
	"\t", " ",
	" ", " ", // NBSP
	" ", " ", // narrow NBSP
	" ", " ", // figure space
	"�", " ", // replacement char from mis-decoded bytes
	"Â", " ", // UTF-8 NBSP read as latin-1
)

// normalize collapses whitespace variants and encoding artifacts to single
// spaces.
func normalize(line string) string {
	line = whitespaceReplacer.Replace(line)
	return strings.Join(strings.Fields(line), " ")
}

// isSizeToken reports whether tok can belong to a size run.
func isSizeToken(tok string) bool {
	switch {
	case tok == "<", tok == "(partial)":
		return true
	case numericRe.MatchString(tok):
		return true
	case unitRe.MatchString(tok):
		return true
	}
	return false
}

// sizeRuns extracts contiguous runs of size tokens from tokens, starting
// the scan at offset. Each run becomes one display string. A run only
// counts as a size once it carries both a number and a unit, which keeps
// bare numeric columns (branch names like "23.08") out of the results; a
// numeric token arriving after the unit starts the next run, so adjacent
// size columns do not merge.
func sizeRuns(tokens []string, offset int) []string {
	var runs []string
	var current []string
	hasNumeric, hasUnit := false, false
	flush := func() {
		if hasNumeric && hasUnit {
			runs = append(runs, strings.Join(current, " "))
		}
		current = nil
		hasNumeric, hasUnit = false, false
	}
	for i := offset; i < len(tokens); i++ {
		tok := tokens[i]
		if !isSizeToken(tok) {
			flush()
			continue
		}
		if hasUnit && numericRe.MatchString(tok) {
			flush()
		}
		current = append(current, tok)
		if numericRe.MatchString(tok) {
			hasNumeric = true
		}
		if unitRe.MatchString(tok) {
			hasUnit = true
		}
	}
	flush()
	return runs
}

// parseNumberedRow parses one candidate dependency row: a line beginning
// with a numeric ordinal ("1.", "2.", ...). Fields are positional after
// whitespace normalization.
func parseNumberedRow(line string) (types.Dependency, bool) {
	tokens := strings.Fields(normalize(line))
	if len(tokens) < 2 || !ordinalRe.MatchString(tokens[0]) {
		return types.Dependency{}, false
	}

	// Some interactive renderings insert a selection mark after the ordinal.
	name := tokens[1]
	if name == "[✓]" || name == "[x]" || name == "[ ]" {
		if len(tokens) < 3 {
			return types.Dependency{}, false
		}
		name = tokens[2]
	}

	dep := types.Dependency{
		Name:          name,
		DownloadSize:  UnknownSize,
		InstalledSize: UnknownSize,
	}
	runs := sizeRuns(tokens, sizeRunOffset)
	if len(runs) > 0 {
		dep.DownloadSize = runs[0]
	}
	if len(runs) > 1 {
		dep.InstalledSize = runs[1]
	}
	return dep, true
}

// parseSummaryLine recognizes the single-line "ref remote size" form used
// when no numbered list is printed.
func parseSummaryLine(line string) (types.Dependency, bool) {
	tokens := strings.Fields(normalize(line))
	if len(tokens) < 3 || !refRe.MatchString(tokens[0]) {
		return types.Dependency{}, false
	}

	dep := types.Dependency{
		Name:          refName(tokens[0]),
		DownloadSize:  UnknownSize,
		InstalledSize: UnknownSize,
	}
	if runs := sizeRuns(tokens, 2); len(runs) > 0 {
		dep.DownloadSize = runs[0]
	}
	return dep, true
}

// refName extracts the package identifier from an app/runtime ref.
func refName(ref string) string {
	parts := strings.Split(ref, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ref
}

// isConfirmPrompt reports that dependency discovery is complete: the
// session is waiting at its final confirmation.
func isConfirmPrompt(line string) bool {
	l := strings.ToLower(normalize(line))
	if strings.Contains(l, "proceed with these changes") {
		return true
	}
	return strings.Contains(l, "[y/n]") || strings.Contains(l, "(y/n)")
}

// isRuntimePrompt matches an intermediate runtime-install sub-prompt that
// must be acknowledged before the session reaches its final confirmation.
func isRuntimePrompt(line string) bool {
	l := strings.ToLower(normalize(line))
	if !strings.Contains(l, "runtime") {
		return false
	}
	return strings.Contains(l, "[y/n]") || strings.Contains(l, "(y/n)") ||
		strings.Contains(l, "do you want to install it")
}
