package runfile

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Issue is one validation finding. Line is 1-based in the file and Key is
// the parameter, shown as a table column, that the finding is about.
type Issue struct {
	Line     int      `json:"line"`
	Severity Severity `json:"severity"`
	Key      string   `json:"column,omitempty"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	if i.Key != "" {
		return fmt.Sprintf("line %d: %s: %s: %s", i.Line, i.Severity, i.Key, i.Message)
	}
	return fmt.Sprintf("line %d: %s: %s", i.Line, i.Severity, i.Message)
}

// HasErrors reports whether any issue is error-level.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks every invocation in data against the dialect. It never
// stops early and depends only on its arguments.
func Validate(data []byte, d Dialect) []Issue {
	schema, ok := schemas[d]
	if !ok {
		return []Issue{{Line: 0, Severity: SeverityError, Message: fmt.Sprintf("unknown dialect %q", d)}}
	}

	var issues []Issue
	for n, line := range strings.Split(string(data), "\n") {
		lineNo := n + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		issues = append(issues, validateLine(lineNo, trimmed, schema)...)
	}
	return issues
}

// ValidateRows checks rows as they would be written.
func ValidateRows(rows []Row, d Dialect) []Issue {
	data, err := Serialize(rows)
	if err != nil {
		return []Issue{{Severity: SeverityError, Message: err.Error()}}
	}
	return Validate(data, d)
}

func validateLine(lineNo int, line string, schema *dialectSchema) []Issue {
	var issues []Issue
	add := func(sev Severity, key, format string, args ...interface{}) {
		issues = append(issues, Issue{Line: lineNo, Severity: sev, Key: key, Message: fmt.Sprintf(format, args...)})
	}

	tokens := strings.Fields(line)
	if tokens[0] != Command {
		add(SeverityError, "", "line must start with %s", Command)
		return issues
	}

	seen := make(map[string]bool)
	haveObsnum := false
	for pos, tok := range tokens[1:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			add(SeverityError, "", "invalid parameter format %q", tok)
			continue
		}
		if seen[key] {
			add(SeverityError, key, "duplicate parameter")
			continue
		}
		seen[key] = true

		// Shared header: observation number(s) and source.
		switch key {
		case ObsnumKey, ObsnumsKey:
			haveObsnum = true
			if pos != 0 {
				add(SeverityWarn, key, "should be the first parameter")
			}
			if err := checkObsnum(key, value); err != nil {
				add(SeverityError, key, "%v", err)
			}
			continue
		case SourceKey:
			if !alnum.MatchString(value) {
				add(SeverityError, key, "source name must be alphanumeric")
			}
			continue
		}

		check, known := schema.fields[key]
		if !known {
			add(SeverityWarn, key, "unknown parameter for %s", schema.dialect)
			continue
		}
		if check == nil {
			continue
		}
		if err := check(value); err != nil {
			add(SeverityError, key, "%v", err)
		}
	}

	if !haveObsnum {
		add(SeverityError, "", "missing obsnum or obsnums")
	}
	return issues
}

func checkObsnum(key, value string) error {
	parts := strings.Split(value, ",")
	if key == ObsnumKey && len(parts) != 1 {
		return fmt.Errorf("obsnum takes a single integer, use obsnums for a list")
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return fmt.Errorf("%q is not an integer", p)
		}
	}
	return nil
}

// KnownKeys lists the dialect-specific parameter names, sorted.
func KnownKeys(d Dialect) []string {
	schema, ok := schemas[d]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(schema.fields)+2)
	keys = append(keys, ObsnumKey, SourceKey)
	for k := range schema.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys[2:])
	return keys
}

var alnum = regexp.MustCompile(`^[A-Za-z0-9]+$`)
