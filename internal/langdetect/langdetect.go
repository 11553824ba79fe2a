// Package langdetect maps a file path to the language server that should
// handle it: extension table first, then a shebang-line sniff for
// extensionless scripts (spec.md §4.8 step 1, SPEC_FULL.md §6).
//
// Grounded on original_source/lsp-daemon/src/language_detector.rs, whose
// extension table and shebang regexes this reproduces in Go idiom.
package langdetect

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hbollon/go-edlib"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
)

var extensionTable = map[string]string{
	"rs":    "rust",
	"ts":    "typescript",
	"tsx":   "typescript",
	"js":    "javascript",
	"jsx":   "javascript",
	"mjs":   "javascript",
	"cjs":   "javascript",
	"py":    "python",
	"pyw":   "python",
	"pyi":   "python",
	"go":    "go",
	"java":  "java",
	"c":     "c",
	"h":     "c",
	"cpp":   "cpp",
	"cxx":   "cpp",
	"cc":    "cpp",
	"hpp":   "cpp",
	"hxx":   "cpp",
	"cs":    "csharp",
	"rb":    "ruby",
	"rake":  "ruby",
	"php":   "php",
	"phtml": "php",
	"swift": "swift",
	"kt":    "kotlin",
	"kts":   "kotlin",
	"scala": "scala",
	"sc":    "scala",
	"hs":    "haskell",
	"lhs":   "haskell",
	"ex":    "elixir",
	"exs":   "elixir",
	"clj":   "clojure",
	"cljs":  "clojure",
	"cljc":  "clojure",
	"lua":   "lua",
	"zig":   "zig",
}

type shebangPattern struct {
	re       *regexp.Regexp
	language string
}

var shebangPatterns = []shebangPattern{
	{regexp.MustCompile(`^#!/.*\bpython`), "python"},
	{regexp.MustCompile(`^#!/.*\bruby`), "ruby"},
	{regexp.MustCompile(`^#!/.*\bnode`), "javascript"},
	{regexp.MustCompile(`^#!/.*\bphp`), "php"},
	{regexp.MustCompile(`^#!/.*\blua`), "lua"},
	{regexp.MustCompile(`^#!/.*\belixir`), "elixir"},
}

// Detect returns the language identifier for path, trying its extension
// first and falling back to a shebang sniff of the file's first line for
// extensionless scripts. It returns an UnknownLanguage error, with a
// fuzzy-matched suggestion when one of the known extensions is close to
// what was given, if neither matches.
func Detect(path string) (string, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if lang, ok := extensionTable[ext]; ok {
		return lang, nil
	}

	if lang, ok := detectFromShebang(path); ok {
		return lang, nil
	}

	return "", unknownLanguageError(ext)
}

// DetectFromExtension looks up a bare extension (no leading dot) directly,
// without touching the filesystem.
func DetectFromExtension(ext string) (string, bool) {
	lang, ok := extensionTable[ext]
	return lang, ok
}

func detectFromShebang(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", false
	}
	firstLine := scanner.Text()

	for _, p := range shebangPatterns {
		if p.re.MatchString(firstLine) {
			return p.language, true
		}
	}
	return "", false
}

// unknownLanguageError builds an UnknownLanguage error carrying a
// fuzzy-matched suggestion (closest known extension by edit distance) when
// ext is plausibly a typo of one of the known extensions, helping a caller
// that mistyped e.g. "go" as "goo" correct itself.
func unknownLanguageError(ext string) error {
	if ext == "" {
		return errors.New(errors.UnknownLanguage, "no file extension to detect language from")
	}

	best := ""
	var bestScore float32
	for known := range extensionTable {
		score, err := edlib.StringsSimilarity(ext, known, edlib.Levenshtein)
		if err != nil {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = known
		}
	}

	msg := "unrecognized file extension \"" + ext + "\""
	if bestScore >= 0.6 && best != "" {
		msg += "; did you mean \"" + best + "\" (" + extensionTable[best] + ")?"
	}
	return errors.New(errors.UnknownLanguage, msg)
}
