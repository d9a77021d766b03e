package codeparse

import (
	"path/filepath"
	"strings"
)

const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangJava       = "java"
	LangKotlin     = "kotlin"
	LangRust       = "rust"
	LangC          = "c"
	LangCPP        = "cpp"
	LangCSharp     = "csharp"
	LangRuby       = "ruby"
	LangPHP        = "php"
	LangSwift      = "swift"
	LangScala      = "scala"
	LangShell      = "shell"
	LangSQL        = "sql"
	LangMarkdown   = "markdown"
	LangText       = "text"
	LangUnknown    = "unknown"
)

var extLanguages = map[string]string{
	".go":    LangGo,
	".py":    LangPython,
	".pyi":   LangPython,
	".js":    LangJavaScript,
	".jsx":   LangJavaScript,
	".mjs":   LangJavaScript,
	".cjs":   LangJavaScript,
	".ts":    LangTypeScript,
	".tsx":   LangTypeScript,
	".java":  LangJava,
	".kt":    LangKotlin,
	".kts":   LangKotlin,
	".rs":    LangRust,
	".c":     LangC,
	".h":     LangC,
	".cc":    LangCPP,
	".cpp":   LangCPP,
	".cxx":   LangCPP,
	".hpp":   LangCPP,
	".cs":    LangCSharp,
	".rb":    LangRuby,
	".php":   LangPHP,
	".swift": LangSwift,
	".scala": LangScala,
	".sh":    LangShell,
	".bash":  LangShell,
	".sql":   LangSQL,
	".md":    LangMarkdown,
	".mdx":   LangMarkdown,
	".txt":   LangText,
	".rst":   LangText,
}

// DetectLanguage maps a file path to a language name by extension.
func DetectLanguage(path string) string {
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	switch strings.ToLower(filepath.Base(path)) {
	case "makefile", "dockerfile":
		return LangShell
	}
	return LangUnknown
}

// IsSource reports whether the language is a programming language rather than prose.
func IsSource(lang string) bool {
	switch lang {
	case LangMarkdown, LangText, LangUnknown, "":
		return false
	}
	return true
}

// IsProse reports whether files in this language should be treated as documents.
func IsProse(lang string) bool {
	return lang == LangMarkdown || lang == LangText
}
