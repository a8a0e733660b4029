// Package runfile reads, writes and validates pipeline runfiles: one
// `SLpipeline.sh key=value ...` invocation per line.
package runfile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Command is the fixed first token of every invocation line.
const Command = "SLpipeline.sh"

// MaxPixel is the highest pixel index on the mapping instrument.
const MaxPixel = 15

// Parse splits data into rows. Blank and '#' lines are skipped; a line that
// fails to parse becomes an error row holding the line verbatim.
func Parse(data []byte) []Row {
	var rows []Row
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		row, err := ParseLine(trimmed)
		if err != nil {
			rows = append(rows, ErrorRow(line))
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// ParseLine parses one invocation. The leading command token is stripped.
func ParseLine(line string) (Row, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 || tokens[0] != Command {
		return Row{}, fmt.Errorf("line must start with %s", Command)
	}
	if len(tokens) == 1 {
		return Row{}, fmt.Errorf("no parameters after %s", Command)
	}

	var row Row
	for _, tok := range tokens[1:] {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			return Row{}, fmt.Errorf("invalid parameter %q", tok)
		}
		if _, dup := row.Get(key); dup {
			return Row{}, fmt.Errorf("duplicate parameter %q", key)
		}
		row.Fields = append(row.Fields, Field{Key: key, Value: value})
	}
	return row, nil
}

// Serialize renders rows as runfile text, one line per row, with a trailing
// newline. Error rows are written back verbatim.
func Serialize(rows []Row) ([]byte, error) {
	var b strings.Builder
	for i, row := range rows {
		line, err := FormatLine(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

// FormatLine renders one row. Empty cells are dropped, the observation key
// becomes obsnums when the value lists several, and exclude_beams is written
// as the complementary pix_list.
func FormatLine(row Row) (string, error) {
	if row.IsError() {
		return row.Fields[0].Value, nil
	}

	parts := []string{Command}
	for _, f := range row.Fields {
		key := f.Key
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}
		if strings.ContainsAny(value, " \t\n") {
			return "", fmt.Errorf("value of %s contains whitespace", key)
		}
		switch {
		case isObsnumKey(key):
			if strings.Contains(value, ",") {
				key = ObsnumsKey
			} else {
				key = ObsnumKey
			}
		case key == ExcludeBeamsKey:
			pix, err := ComplementPixels(value)
			if err != nil {
				return "", err
			}
			key, value = PixListKey, pix
			if value == "" {
				continue
			}
		}
		parts = append(parts, key+"="+value)
	}
	if len(parts) == 1 {
		return "", fmt.Errorf("row has no parameters")
	}
	return strings.Join(parts, " "), nil
}

// ComplementPixels returns the pixels of 0..15 not listed in list, ascending.
// It converts exclude_beams to pix_list and back.
func ComplementPixels(list string) (string, error) {
	listed, err := ParsePixels(list)
	if err != nil {
		return "", err
	}
	in := make(map[int]bool, len(listed))
	for _, p := range listed {
		in[p] = true
	}
	var out []string
	for p := 0; p <= MaxPixel; p++ {
		if !in[p] {
			out = append(out, strconv.Itoa(p))
		}
	}
	return strings.Join(out, ","), nil
}

// ParsePixels parses a comma list of pixel indices in 0..15. The result is
// sorted and free of duplicates.
func ParsePixels(list string) ([]int, error) {
	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > MaxPixel {
			return nil, fmt.Errorf("pixel %q is not an integer in 0..%d", part, MaxPixel)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}
