package hooks

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mjfuentes/amiga-sub003/internal/task/models"
)

// bashFileVerbs are the commands whose arguments are taken as file paths.
var bashFileVerbs = map[string]bool{
	"cat": true, "head": true, "tail": true, "less": true, "more": true,
	"vim": true, "nano": true, "cp": true, "mv": true, "rm": true,
	"chmod": true, "chown": true, "mkdir": true, "rmdir": true,
	"touch": true, "open": true, "code": true,
}

var (
	// redirectTarget captures the file after > or >>. The character class
	// stops at shell operators so `2>&1` never matches.
	redirectTarget = regexp.MustCompile(`>{1,2}\s*([^\s;|&<>]+)`)

	// pathToken accepts bash argument tokens that plausibly name a file.
	pathToken = regexp.MustCompile(`^[A-Za-z0-9_~./-]+$`)

	// outputPath finds absolute paths in free-form tool output.
	outputPath = regexp.MustCompile(`(?:^|[\s"':=(\[])(/[A-Za-z0-9_][A-Za-z0-9_./-]*)`)
)

// ExtractPaths computes the file-path set for a tool invocation from its
// parameters. Glob and Grep patterns are kept with a glob: prefix so readers
// can tell patterns from resolved paths.
func ExtractPaths(tool string, params map[string]interface{}) []string {
	var out []string
	switch tool {
	case "Read", "Write", "Edit":
		if p := stringParam(params, "file_path"); p != "" {
			out = append(out, p)
		}
	case "Glob", "Grep":
		if p := stringParam(params, "pattern"); p != "" {
			out = append(out, "glob:"+p)
		}
		if p := stringParam(params, "path"); p != "" {
			out = append(out, p)
		}
	case "NotebookEdit":
		if p := stringParam(params, "notebook_path"); p != "" {
			out = append(out, p)
		}
	case "Bash":
		out = append(out, bashPaths(stringParam(params, "command"))...)
	}
	return FilterPaths(out)
}

// bashPaths walks a command line collecting arguments of known file verbs and
// redirection targets. Flags are skipped; any shell operator ends the current
// verb's argument run.
func bashPaths(command string) []string {
	if command == "" {
		return nil
	}
	var out []string
	collecting := false
	for _, tok := range strings.Fields(command) {
		clean := strings.Trim(tok, `"'`)
		switch {
		case clean == "":
			continue
		case strings.ContainsAny(clean, ";|&<>"):
			collecting = false
		case bashFileVerbs[baseName(clean)]:
			collecting = true
		case collecting:
			if strings.HasPrefix(clean, "-") {
				continue
			}
			if looksLikePath(clean) {
				out = append(out, clean)
			}
		}
	}
	for _, m := range redirectTarget.FindAllStringSubmatch(command, -1) {
		target := strings.Trim(m[1], `"'`)
		if looksLikePath(target) {
			out = append(out, target)
		}
	}
	return out
}

func baseName(tok string) string {
	if idx := strings.LastIndexByte(tok, '/'); idx >= 0 {
		return tok[idx+1:]
	}
	return tok
}

func looksLikePath(tok string) bool {
	if tok == "" || tok == "." || tok == ".." || tok == "-" || len(tok) > 512 {
		return false
	}
	return pathToken.MatchString(tok)
}

// ExtractOutputPaths pulls paths out of a post-hook output. Structured
// outputs are preferred (files, paths, matches, results keys); free text
// falls back to an absolute-path scan.
func ExtractOutputPaths(output string) []string {
	if output == "" {
		return nil
	}
	var out []string
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(output), &doc); err == nil {
		for _, key := range []string{"files", "paths", "matches", "results"} {
			switch v := doc[key].(type) {
			case string:
				out = append(out, v)
			case []interface{}:
				for _, item := range v {
					if s, ok := item.(string); ok {
						out = append(out, s)
					}
				}
			}
		}
		return FilterPaths(out)
	}
	for _, m := range outputPath.FindAllStringSubmatch(output, -1) {
		out = append(out, m[1])
	}
	return FilterPaths(out)
}

// ignoredPrefixes are scratch and pseudo-filesystem locations that would
// drown the file index in noise.
var ignoredPrefixes = []string{"/tmp/", "/dev/", "/proc/"}

// FilterPaths deduplicates (order preserved) and drops scratch locations.
func FilterPaths(paths []string) []string {
	var out []string
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		p = models.NormalizeFilePath(p)
		if p == "" || seen[p] {
			continue
		}
		if ignoredPath(strings.TrimPrefix(p, "glob:")) {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func ignoredPath(p string) bool {
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	return false
}

// ClassifyError maps failure output to an error category. Checks run from
// most to least specific: a bash failure that printed "No such file or
// directory" is a file_not_found, not a generic command_failed.
func ClassifyError(output string) models.ErrorCategory {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "no such file"),
		strings.Contains(lower, "file not found"),
		strings.Contains(lower, "enoent"),
		strings.Contains(lower, "does not exist"):
		return models.ErrorCategoryFileNotFound
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "operation not permitted"),
		strings.Contains(lower, "eacces"):
		return models.ErrorCategoryPermissionDenied
	case strings.Contains(lower, "timed out"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"):
		return models.ErrorCategoryTimeout
	case strings.Contains(lower, "syntax error"),
		strings.Contains(lower, "parse error"),
		strings.Contains(lower, "invalid syntax"),
		strings.Contains(lower, "unexpected token"):
		return models.ErrorCategorySyntaxError
	case strings.Contains(lower, "exit status"),
		strings.Contains(lower, "exit code"),
		strings.Contains(lower, "command not found"),
		strings.Contains(lower, "command failed"),
		strings.Contains(lower, "non-zero"):
		return models.ErrorCategoryCommandFailed
	}
	return models.ErrorCategoryUnknown
}
