// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package patch applies targeted edits to an externally generated,
indentation-scoped configuration file.

The file is treated as lines, not as a parsed document, so comments, key
order and formatting outside the edited keys survive byte for byte.

# Algorithm

For each Section:

 1. Find the unindented header "Name:". Its span is every following line up
    to the next unindented line that is neither blank nor a comment, or EOF.
    Comments inside a block never end it.
 2. For each Entry, find "key:" at the span's child indent. A scalar entry
    replaces the key's whole block (including nested or list lines). A
    mapping entry recurses into the key's block so unknown sibling keys are
    kept, unless it is marked Replace. A missing key is inserted after the
    span's last non-blank line.
 3. A missing section is appended at end of file.

Patching is idempotent: a second Apply with the same sections finds every
key it inserted and rewrites it to the same text.

# Limitations

  - Only block-style mappings can be patched. A section or mapping key
    written inline ("GUI: {}") is reported as ErrInlineValue.
  - Keys must be plain (unquoted) YAML keys.
*/
package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInlineValue is returned when a section or mapping key that must hold
	// nested entries is written with an inline value.
	ErrInlineValue = errors.New("section has an inline value and cannot be patched")

	// ErrEmptyName is returned for a Section or Entry without a name.
	ErrEmptyName = errors.New("section or key name is empty")

	// ErrMalformedResult is returned by PatchFile when the patched content no
	// longer parses as YAML. The file on disk is left untouched.
	ErrMalformedResult = errors.New("patched configuration is not valid YAML")
)

const indentUnit = "  "

// Entry is a key to set inside a section. Exactly one of Value or Children
// is used: a non-nil Children makes the entry a nested mapping.
//
// A mapping entry is merged key by key unless Replace is set, in which case
// the existing block is dropped and rewritten from Children alone.
type Entry struct {
	Key      string
	Value    any
	Children []Entry
	Replace  bool
}

// Section is a top-level key. A Section with Entries is a mapping patched
// key by key; a Section with no Entries and a non-nil Value is a top-level
// scalar such as "autocert_domain: example.com".
type Section struct {
	Name    string
	Entries []Entry
	Value   any
}

// Apply returns content with sections applied.
func Apply(content []byte, sections []Section) ([]byte, error) {
	ed := newEditor(string(content))
	for _, sec := range sections {
		if err := ed.applySection(sec); err != nil {
			return nil, fmt.Errorf("section %s: %w", sec.Name, err)
		}
	}
	return []byte(ed.String()), nil
}

// PatchFile applies sections to the file at path.
//
// # Description
//
// Reads the file, applies the sections, checks that the result still
// parses as YAML, and replaces the file atomically keeping its permissions.
//
// # Outputs
//
//   - error: ErrInlineValue, ErrMalformedResult, or an I/O error. On error
//     the original file is unchanged.
func PatchFile(path string, sections []Section) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	out, err := Apply(content, sections)
	if err != nil {
		return err
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(out, &parsed); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	return writeAtomic(path, out, info.Mode().Perm())
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// =============================================================================
// Line editor
// =============================================================================

// editor holds the file as lines, each keeping its own terminator so
// untouched lines are reproduced exactly.
type editor struct {
	lines []string
	nl    string
}

func newEditor(content string) *editor {
	nl := "\n"
	if strings.Contains(content, "\r\n") {
		nl = "\r\n"
	}
	var lines []string
	if content != "" {
		lines = strings.SplitAfter(content, "\n")
		if lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
	}
	return &editor{lines: lines, nl: nl}
}

func (e *editor) String() string {
	return strings.Join(e.lines, "")
}

// text returns line i without its terminator.
func (e *editor) text(i int) string {
	return strings.TrimRight(e.lines[i], "\r\n")
}

func (e *editor) applySection(sec Section) error {
	if sec.Name == "" {
		return ErrEmptyName
	}
	header := e.findKey(0, len(e.lines), "", sec.Name)
	scalar := len(sec.Entries) == 0 && sec.Value != nil

	if header < 0 {
		var rendered []string
		var err error
		if scalar {
			rendered, err = e.render(Entry{Key: sec.Name, Value: sec.Value}, "")
		} else {
			rendered, err = e.render(Entry{Key: sec.Name, Children: sec.Entries}, "")
		}
		if err != nil {
			return err
		}
		e.insert(len(e.lines), rendered)
		return nil
	}

	end := e.blockEnd(header+1, len(e.lines), 0)
	if scalar {
		rendered, err := e.render(Entry{Key: sec.Name, Value: sec.Value}, "")
		if err != nil {
			return err
		}
		e.replace(header, end, rendered)
		return nil
	}
	if hasInlineValue(e.text(header)) {
		return ErrInlineValue
	}
	_, err := e.patchMapping(header+1, end, 0, sec.Entries)
	return err
}

// patchMapping applies entries to the mapping body lines[start:end] whose
// parent key sits at parentWidth columns. It returns the new end.
func (e *editor) patchMapping(start, end, parentWidth int, entries []Entry) (int, error) {
	indent := e.childIndent(start, end, parentWidth)
	for _, entry := range entries {
		if entry.Key == "" {
			return end, ErrEmptyName
		}
		k := e.findKey(start, end, indent, entry.Key)
		if k < 0 {
			rendered, err := e.render(entry, indent)
			if err != nil {
				return end, err
			}
			e.insert(e.insertionPoint(start, end), rendered)
			end += len(rendered)
			continue
		}

		blockEnd := e.blockEnd(k+1, end, len(indent))
		if entry.Children != nil && !entry.Replace {
			if hasInlineValue(e.text(k)) {
				return end, fmt.Errorf("%s: %w", entry.Key, ErrInlineValue)
			}
			newBlockEnd, err := e.patchMapping(k+1, blockEnd, len(indent), entry.Children)
			if err != nil {
				return end, fmt.Errorf("%s: %w", entry.Key, err)
			}
			end += newBlockEnd - blockEnd
			continue
		}

		rendered, err := e.render(entry, indent)
		if err != nil {
			return end, err
		}
		e.replace(k, blockEnd, rendered)
		end += len(rendered) - (blockEnd - k)
	}
	return end, nil
}

// findKey returns the index of the line in [start,end) that holds key at
// exactly indent, or -1.
func (e *editor) findKey(start, end int, indent, key string) int {
	prefix := indent + key + ":"
	for i := start; i < end; i++ {
		t := e.text(i)
		if !strings.HasPrefix(t, prefix) {
			continue
		}
		rest := t[len(prefix):]
		if rest == "" || rest[0] == ' ' || rest[0] == '\t' {
			return i
		}
	}
	return -1
}

// blockEnd returns the exclusive end of the block that starts at from and
// belongs to a key at width columns: more-indented lines, list items at the
// same width, and blank or comment lines that are followed by either.
func (e *editor) blockEnd(from, end, width int) int {
	last := from
	for j := from; j < end; j++ {
		t := e.text(j)
		trimmed := strings.TrimSpace(t)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		w := leadingWidth(t)
		if w > width || (w == width && isListItem(t[w:])) {
			last = j + 1
			continue
		}
		break
	}
	return last
}

// childIndent returns the indentation used by the mapping body, taken from
// its first content line, or parent+2 when the body is empty.
func (e *editor) childIndent(start, end, parentWidth int) string {
	for i := start; i < end; i++ {
		t := e.text(i)
		trimmed := strings.TrimSpace(t)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if w := leadingWidth(t); w > parentWidth {
			return t[:w]
		}
		break
	}
	return strings.Repeat(" ", parentWidth) + indentUnit
}

// insertionPoint is just after the last non-blank line in [start,end).
func (e *editor) insertionPoint(start, end int) int {
	for i := end - 1; i >= start; i-- {
		if strings.TrimSpace(e.text(i)) != "" {
			return i + 1
		}
	}
	return start
}

func (e *editor) insert(at int, rendered []string) {
	if at > 0 && !strings.HasSuffix(e.lines[at-1], "\n") {
		e.lines[at-1] += e.nl
	}
	e.lines = append(e.lines[:at], append(rendered, e.lines[at:]...)...)
}

func (e *editor) replace(from, to int, rendered []string) {
	// Keep a missing final terminator missing when the last line is replaced.
	if to == len(e.lines) && to > 0 && !strings.HasSuffix(e.lines[to-1], "\n") && len(rendered) > 0 {
		last := len(rendered) - 1
		rendered[last] = strings.TrimRight(rendered[last], "\r\n")
	}
	tail := append([]string{}, e.lines[to:]...)
	e.lines = append(append(e.lines[:from], rendered...), tail...)
}

// render produces the lines for entry at indent, each with a terminator.
func (e *editor) render(entry Entry, indent string) ([]string, error) {
	if entry.Key == "" {
		return nil, ErrEmptyName
	}
	if entry.Children != nil {
		out := []string{indent + entry.Key + ":" + e.nl}
		for _, child := range entry.Children {
			lines, err := e.render(child, indent+indentUnit)
			if err != nil {
				return nil, err
			}
			out = append(out, lines...)
		}
		return out, nil
	}
	value, err := renderValue(entry.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Key, err)
	}
	return []string{indent + entry.Key + ": " + value + e.nl}, nil
}

// renderValue encodes v as a single-line YAML value. Sequences use flow
// style so every entry stays on its key's line.
func renderValue(v any) (string, error) {
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return "", err
	}
	if node.Kind == yaml.SequenceNode || node.Kind == yaml.MappingNode {
		node.Style = yaml.FlowStyle
	}
	out, err := yaml.Marshal(&node)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func leadingWidth(s string) int {
	return len(s) - len(strings.TrimLeft(s, " \t"))
}

func isListItem(s string) bool {
	return s == "-" || strings.HasPrefix(s, "- ")
}

// hasInlineValue reports whether "key: value" carries a non-comment value.
func hasInlineValue(line string) bool {
	i := strings.Index(line, ":")
	if i < 0 {
		return false
	}
	rest := strings.TrimSpace(line[i+1:])
	return rest != "" && !strings.HasPrefix(rest, "#")
}
