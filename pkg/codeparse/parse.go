package codeparse

import (
	"regexp"
	"sort"
	"strings"
)

type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolClass     SymbolKind = "class"
	SymbolInterface SymbolKind = "interface"
)

// Symbol is a top-level or nested definition with its 1-based inclusive line span.
type Symbol struct {
	Name      string
	Kind      SymbolKind
	Receiver  string // enclosing class or Go receiver type
	StartLine int
	EndLine   int
	Calls     []string
}

// QualifiedName is Receiver.Name for methods and Name otherwise.
func (s Symbol) QualifiedName() string {
	if s.Receiver != "" {
		return s.Receiver + "." + s.Name
	}
	return s.Name
}

type File struct {
	Language string
	Package  string
	Imports  []string
	Symbols  []Symbol
}

// Parse scans src for definitions, imports and call sites. It never fails:
// unknown languages yield an empty File.
func Parse(language, src string) *File {
	var f *File
	switch language {
	case LangGo:
		f = parseGo(src)
	case LangPython:
		f = parseIndented(src, pythonRules)
	case LangRuby:
		f = parseEndDelimited(src)
	default:
		if rules, ok := braceRules[language]; ok {
			f = parseBraced(src, rules)
		}
	}
	if f == nil {
		f = &File{}
	}
	f.Language = language
	sort.SliceStable(f.Symbols, func(i, j int) bool {
		return f.Symbols[i].StartLine < f.Symbols[j].StartLine
	})
	f.Imports = dedupe(f.Imports)
	return f
}

// TopLevel returns symbols that are not nested inside another symbol.
func (f *File) TopLevel() []Symbol {
	var out []Symbol
	lastEnd := 0
	for _, s := range f.Symbols {
		if s.StartLine <= lastEnd {
			continue
		}
		out = append(out, s)
		lastEnd = s.EndLine
	}
	return out
}

// SymbolsIn returns symbols whose span starts inside [start, end].
func (f *File) SymbolsIn(start, end int) []Symbol {
	var out []Symbol
	for _, s := range f.Symbols {
		if s.StartLine >= start && s.StartLine <= end {
			out = append(out, s)
		}
	}
	return out
}

var callPattern = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

var callStopwords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "return": true, "func": true,
	"def": true, "function": true, "catch": true, "elif": true, "and": true,
	"or": true, "not": true, "in": true, "new": true, "sizeof": true, "typeof": true,
	"class": true, "lambda": true, "with": true, "assert": true, "await": true, "yield": true,
	"make": true, "len": true, "cap": true, "append": true, "panic": true, "super": true,
	"fn": true, "match": true, "loop": true, "select": true, "defer": true, "go": true,
	"int": true, "str": true, "string": true, "float64": true, "bool": true, "byte": true,
}

// scanCalls returns distinct callee identifiers in lines, excluding self.
func scanCalls(lines []string, self string) []string {
	var out []string
	seen := map[string]bool{}
	for _, line := range lines {
		code := stripLineComment(line)
		for _, m := range callPattern.FindAllStringSubmatch(code, -1) {
			name := m[1]
			if name == self || callStopwords[name] || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func stripLineComment(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "*") {
		return ""
	}
	if i := strings.Index(line, "//"); i >= 0 {
		return line[:i]
	}
	return line
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func splitLines(src string) []string {
	return strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
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
