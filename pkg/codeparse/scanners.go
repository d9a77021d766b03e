package codeparse

import (
	"regexp"
	"strings"
)

type defRule struct {
	pattern *regexp.Regexp // submatch 1 is the symbol name
	kind    SymbolKind
}

type langRules struct {
	defs    []defRule
	imports []*regexp.Regexp // submatch 1 is the imported path
}

var pythonRules = langRules{
	defs: []defRule{
		{regexp.MustCompile(`^\s*(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`), SymbolFunction},
		{regexp.MustCompile(`^\s*class\s+([A-Za-z_]\w*)\s*[:(]`), SymbolClass},
	},
	imports: []*regexp.Regexp{
		regexp.MustCompile(`^\s*import\s+([\w.]+)`),
		regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\s`),
	},
}

var braceRules = map[string]langRules{
	LangGo: {
		defs: []defRule{
			{regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`), SymbolFunction},
			{regexp.MustCompile(`^type\s+([A-Za-z_]\w*)\s+(?:struct|interface)`), SymbolClass},
		},
		imports: []*regexp.Regexp{regexp.MustCompile(`^\s*(?:import\s+)?(?:\w+\s+)?"([^"]+)"\s*$`)},
	},
	LangJavaScript: jsRules,
	LangTypeScript: jsRules,
	LangJava: {
		defs: []defRule{
			{regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|abstract|final)\s+)*(?:class|enum|record)\s+([A-Za-z_]\w*)`), SymbolClass},
			{regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|abstract|final)\s+)*interface\s+([A-Za-z_]\w*)`), SymbolInterface},
			{regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|final|synchronized|abstract)\s+)+[\w<>\[\], ]+\s+([A-Za-z_]\w*)\s*\([^;]*$`), SymbolFunction},
		},
		imports: []*regexp.Regexp{regexp.MustCompile(`^\s*import\s+(?:static\s+)?([\w.]+)`)},
	},
	LangKotlin: {
		defs: []defRule{
			{regexp.MustCompile(`^\s*(?:\w+\s+)*fun\s+(?:<[^>]+>\s*)?(?:\w+\.)?([A-Za-z_]\w*)\s*\(`), SymbolFunction},
			{regexp.MustCompile(`^\s*(?:\w+\s+)*(?:class|object)\s+([A-Za-z_]\w*)`), SymbolClass},
			{regexp.MustCompile(`^\s*(?:\w+\s+)*interface\s+([A-Za-z_]\w*)`), SymbolInterface},
		},
		imports: []*regexp.Regexp{regexp.MustCompile(`^\s*import\s+([\w.]+)`)},
	},
	LangRust: {
		defs: []defRule{
			{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?(?:unsafe\s+)?(?:const\s+)?fn\s+([A-Za-z_]\w*)`), SymbolFunction},
			{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:struct|enum)\s+([A-Za-z_]\w*)`), SymbolClass},
			{regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?trait\s+([A-Za-z_]\w*)`), SymbolInterface},
			{regexp.MustCompile(`^\s*impl(?:<[^>]*>)?\s+(?:[\w:<>]+\s+for\s+)?([A-Za-z_]\w*)`), SymbolClass},
		},
		imports: []*regexp.Regexp{regexp.MustCompile(`^\s*(?:pub\s+)?use\s+([\w:]+)`)},
	},
	LangC:   cRules,
	LangCPP: cRules,
	LangCSharp: {
		defs: []defRule{
			{regexp.MustCompile(`^\s*(?:(?:public|private|protected|internal|static|abstract|sealed|partial)\s+)*(?:class|struct|record|enum)\s+([A-Za-z_]\w*)`), SymbolClass},
			{regexp.MustCompile(`^\s*(?:(?:public|private|protected|internal|static|abstract|sealed|partial)\s+)*interface\s+([A-Za-z_]\w*)`), SymbolInterface},
			{regexp.MustCompile(`^\s*(?:(?:public|private|protected|internal|static|virtual|override|async)\s+)+[\w<>\[\], ]+\s+([A-Za-z_]\w*)\s*\([^;]*$`), SymbolFunction},
		},
		imports: []*regexp.Regexp{regexp.MustCompile(`^\s*using\s+([\w.]+)\s*;`)},
	},
	LangPHP: {
		defs: []defRule{
			{regexp.MustCompile(`^\s*(?:(?:public|private|protected|static|abstract|final)\s+)*function\s+([A-Za-z_]\w*)`), SymbolFunction},
			{regexp.MustCompile(`^\s*(?:(?:abstract|final)\s+)?class\s+([A-Za-z_]\w*)`), SymbolClass},
			{regexp.MustCompile(`^\s*interface\s+([A-Za-z_]\w*)`), SymbolInterface},
		},
		imports: []*regexp.Regexp{regexp.MustCompile(`^\s*use\s+([\w\\]+)`)},
	},
	LangSwift: {
		defs: []defRule{
			{regexp.MustCompile(`^\s*(?:\w+\s+)*func\s+([A-Za-z_]\w*)`), SymbolFunction},
			{regexp.MustCompile(`^\s*(?:\w+\s+)*(?:class|struct|enum|extension)\s+([A-Za-z_]\w*)`), SymbolClass},
			{regexp.MustCompile(`^\s*(?:\w+\s+)*protocol\s+([A-Za-z_]\w*)`), SymbolInterface},
		},
		imports: []*regexp.Regexp{regexp.MustCompile(`^\s*import\s+(\w+)`)},
	},
	LangScala: {
		defs: []defRule{
			{regexp.MustCompile(`^\s*(?:\w+\s+)*def\s+([A-Za-z_]\w*)`), SymbolFunction},
			{regexp.MustCompile(`^\s*(?:\w+\s+)*(?:class|object)\s+([A-Za-z_]\w*)`), SymbolClass},
			{regexp.MustCompile(`^\s*(?:\w+\s+)*trait\s+([A-Za-z_]\w*)`), SymbolInterface},
		},
		imports: []*regexp.Regexp{regexp.MustCompile(`^\s*import\s+([\w.]+)`)},
	},
}

var jsRules = langRules{
	defs: []defRule{
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*\(`), SymbolFunction},
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::[^=]+)?=\s*(?:async\s+)?(?:\([^)]*\)|[A-Za-z_$][\w$]*)\s*=>`), SymbolFunction},
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`), SymbolClass},
		{regexp.MustCompile(`^\s*(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)`), SymbolInterface},
		{regexp.MustCompile(`^\s+(?:public\s+|private\s+|protected\s+|static\s+|async\s+)*([A-Za-z_$][\w$]*)\s*\([^)]*\)\s*(?::\s*[^{]+)?\{\s*$`), SymbolMethod},
	},
	imports: []*regexp.Regexp{
		regexp.MustCompile(`^\s*import\s+.*?from\s+['"]([^'"]+)['"]`),
		regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`),
		regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`),
	},
}

var cRules = langRules{
	defs: []defRule{
		{regexp.MustCompile(`^(?:static\s+|inline\s+|extern\s+|virtual\s+)*[A-Za-z_][\w:<>\*&\s]*\s+\**([A-Za-z_][\w:~]*)\s*\([^;]*$`), SymbolFunction},
		{regexp.MustCompile(`^\s*(?:class|struct)\s+([A-Za-z_]\w*)\s*(?::[^{]*)?\{?\s*$`), SymbolClass},
	},
	imports: []*regexp.Regexp{regexp.MustCompile(`^\s*#\s*include\s+[<"]([^>"]+)[>"]`)},
}

var controlWords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true, "return": true, "else": true,
}

func matchDef(rules langRules, line string) (string, SymbolKind, bool) {
	for _, r := range rules.defs {
		if m := r.pattern.FindStringSubmatch(line); m != nil && !controlWords[m[1]] {
			return m[1], r.kind, true
		}
	}
	return "", "", false
}

func matchImports(rules langRules, line string, f *File) {
	for _, re := range rules.imports {
		if m := re.FindStringSubmatch(line); m != nil {
			f.Imports = append(f.Imports, m[1])
		}
	}
}

// parseBraced finds definitions by pattern and closes each one by brace counting.
func parseBraced(src string, rules langRules) *File {
	lines := splitLines(src)
	f := &File{}
	inImportBlock := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import (") {
			inImportBlock = true
			continue
		}
		if inImportBlock {
			if trimmed == ")" {
				inImportBlock = false
				continue
			}
		}
		matchImports(rules, line, f)

		name, kind, ok := matchDef(rules, line)
		if !ok {
			continue
		}
		end := braceBlockEnd(lines, i)
		sym := Symbol{Name: name, Kind: kind, StartLine: i + 1, EndLine: end + 1}
		if end > i {
			sym.Calls = scanCalls(lines[i+1:end+1], name)
		}
		f.Symbols = append(f.Symbols, sym)
	}
	assignReceivers(f)
	return f
}

// braceBlockEnd returns the 0-based line where the block opened at start closes.
func braceBlockEnd(lines []string, start int) int {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		inString := byte(0)
		line := lines[i]
		for j := 0; j < len(line); j++ {
			c := line[j]
			if inString != 0 {
				if c == '\\' {
					j++
				} else if c == inString {
					inString = 0
				}
				continue
			}
			switch c {
			case '"', '\'', '`':
				inString = c
			case '/':
				if j+1 < len(line) && line[j+1] == '/' {
					j = len(line)
				}
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i
		}
		if !opened && i > start && strings.HasSuffix(strings.TrimSpace(lines[i]), ";") {
			return i
		}
	}
	if !opened {
		return start
	}
	return len(lines) - 1
}

// assignReceivers marks definitions nested in a class span as its methods.
func assignReceivers(f *File) {
	for i := range f.Symbols {
		s := &f.Symbols[i]
		if s.Kind != SymbolFunction && s.Kind != SymbolMethod {
			continue
		}
		for _, outer := range f.Symbols {
			if (outer.Kind == SymbolClass || outer.Kind == SymbolInterface) &&
				s.StartLine > outer.StartLine && s.EndLine <= outer.EndLine {
				s.Kind = SymbolMethod
				s.Receiver = outer.Name
			}
		}
		if s.Kind == SymbolMethod && s.Receiver == "" {
			s.Kind = SymbolFunction
		}
	}
}

// parseIndented handles languages whose blocks end on dedent.
func parseIndented(src string, rules langRules) *File {
	lines := splitLines(src)
	f := &File{}
	for i, line := range lines {
		matchImports(rules, line, f)
		name, kind, ok := matchDef(rules, line)
		if !ok {
			continue
		}
		start := i
		for start > 0 && strings.HasPrefix(strings.TrimSpace(lines[start-1]), "@") {
			start--
		}
		end := indentBlockEnd(lines, i)
		sym := Symbol{Name: name, Kind: kind, StartLine: start + 1, EndLine: end + 1}
		sym.Calls = scanCalls(lines[i:end+1], name)
		f.Symbols = append(f.Symbols, sym)
	}
	assignReceivers(f)
	return f
}

func indentBlockEnd(lines []string, start int) int {
	base := indentOf(lines[start])
	end := start
	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if indentOf(lines[i]) <= base {
			break
		}
		end = i
	}
	return end
}

var (
	rubyDef    = regexp.MustCompile(`^\s*def\s+(?:self\.)?([A-Za-z_]\w*[!?]?)`)
	rubyClass  = regexp.MustCompile(`^\s*(?:class|module)\s+([A-Z]\w*)`)
	rubyImport = regexp.MustCompile(`^\s*require(?:_relative)?\s+['"]([^'"]+)['"]`)
	rubyEnd    = regexp.MustCompile(`^\s*end\b`)
)

// parseEndDelimited closes each def/class on the first `end` at the same indentation.
func parseEndDelimited(src string) *File {
	lines := splitLines(src)
	f := &File{}
	for i, line := range lines {
		if m := rubyImport.FindStringSubmatch(line); m != nil {
			f.Imports = append(f.Imports, m[1])
		}
		var (
			name string
			kind SymbolKind
		)
		if m := rubyDef.FindStringSubmatch(line); m != nil {
			name, kind = m[1], SymbolFunction
		} else if m := rubyClass.FindStringSubmatch(line); m != nil {
			name, kind = m[1], SymbolClass
		} else {
			continue
		}
		base := indentOf(line)
		end := len(lines) - 1
		for j := i + 1; j < len(lines); j++ {
			if rubyEnd.MatchString(lines[j]) && indentOf(lines[j]) == base {
				end = j
				break
			}
		}
		sym := Symbol{Name: name, Kind: kind, StartLine: i + 1, EndLine: end + 1}
		if end > i {
			sym.Calls = scanCalls(lines[i+1:end], name)
		}
		f.Symbols = append(f.Symbols, sym)
	}
	assignReceivers(f)
	return f
}
