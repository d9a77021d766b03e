package codeparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, LangPython, DetectLanguage("src/hello.py"))
	assert.Equal(t, LangGo, DetectLanguage("main.GO"))
	assert.Equal(t, LangTypeScript, DetectLanguage("web/app.tsx"))
	assert.Equal(t, LangMarkdown, DetectLanguage("README.md"))
	assert.Equal(t, LangUnknown, DetectLanguage("LICENSE"))
	assert.False(t, IsSource(LangMarkdown))
	assert.True(t, IsSource(LangRust))
}

func TestParsePython(t *testing.T) {
	src := `import os
from typing import List

def greet(name):
    return f"Hello, {name}"


class Greeter:
    @staticmethod
    def loud(name):
        return greet(name).upper()

def main():
    print(greet("world"))
`
	f := Parse(LangPython, src)
	assert.Equal(t, []string{"os", "typing"}, f.Imports)
	require.Len(t, f.Symbols, 4)

	greet := f.Symbols[0]
	assert.Equal(t, "greet", greet.Name)
	assert.Equal(t, SymbolFunction, greet.Kind)
	assert.Equal(t, 4, greet.StartLine)
	assert.Equal(t, 5, greet.EndLine)

	assert.Equal(t, "Greeter", f.Symbols[1].Name)
	assert.Equal(t, SymbolClass, f.Symbols[1].Kind)

	loud := f.Symbols[2]
	assert.Equal(t, "loud", loud.Name)
	assert.Equal(t, SymbolMethod, loud.Kind)
	assert.Equal(t, "Greeter", loud.Receiver)
	assert.Equal(t, "Greeter.loud", loud.QualifiedName())
	assert.Equal(t, 9, loud.StartLine, "decorator belongs to the method")
	assert.Contains(t, loud.Calls, "greet")

	main := f.Symbols[3]
	assert.Contains(t, main.Calls, "greet")
	assert.Contains(t, main.Calls, "print")

	top := f.TopLevel()
	assert.Len(t, top, 3)
}

func TestParseGo(t *testing.T) {
	src := `package hello

import (
	"fmt"
	"strings"
)

// Greeter says hello.
type Greeter struct {
	Name string
}

// Greet returns a greeting.
func (g *Greeter) Greet() string {
	return format(g.Name)
}

func format(name string) string {
	return fmt.Sprintf("Hello, %s", strings.TrimSpace(name))
}
`
	f := Parse(LangGo, src)
	assert.Equal(t, "hello", f.Package)
	assert.Equal(t, []string{"fmt", "strings"}, f.Imports)
	require.Len(t, f.Symbols, 3)

	assert.Equal(t, "Greeter", f.Symbols[0].Name)
	assert.Equal(t, SymbolClass, f.Symbols[0].Kind)
	assert.Equal(t, 8, f.Symbols[0].StartLine)

	greet := f.Symbols[1]
	assert.Equal(t, SymbolMethod, greet.Kind)
	assert.Equal(t, "Greeter", greet.Receiver)
	assert.Equal(t, []string{"format"}, greet.Calls)

	format := f.Symbols[2]
	assert.ElementsMatch(t, []string{"Sprintf", "TrimSpace"}, format.Calls)
}

func TestParseGoFallsBackOnSyntaxError(t *testing.T) {
	src := "package x\n\nfunc broken( {\n\treturn\n}\n"
	f := Parse(LangGo, src)
	require.NotEmpty(t, f.Symbols)
	assert.Equal(t, "broken", f.Symbols[0].Name)
}

func TestParseTypeScript(t *testing.T) {
	src := `import { api } from './api'

export class Store {
  load(id: string): Promise<void> {
    return api.fetch(id)
  }
}

export const render = (x) => {
  return draw(x)
}
`
	f := Parse(LangTypeScript, src)
	assert.Equal(t, []string{"./api"}, f.Imports)
	names := map[string]SymbolKind{}
	for _, s := range f.Symbols {
		names[s.Name] = s.Kind
	}
	assert.Equal(t, SymbolClass, names["Store"])
	assert.Equal(t, SymbolMethod, names["load"])
	assert.Equal(t, SymbolFunction, names["render"])
}

func TestParseRuby(t *testing.T) {
	src := "require 'json'\n\nclass Box\n  def open\n    unlock(key)\n  end\nend\n"
	f := Parse(LangRuby, src)
	assert.Equal(t, []string{"json"}, f.Imports)
	require.Len(t, f.Symbols, 2)
	assert.Equal(t, "Box", f.Symbols[0].Name)
	assert.Equal(t, 7, f.Symbols[0].EndLine)
	assert.Equal(t, "Box", f.Symbols[1].Receiver)
	assert.Equal(t, []string{"unlock"}, f.Symbols[1].Calls)
}

func TestParseUnknownLanguage(t *testing.T) {
	f := Parse(LangUnknown, "whatever")
	assert.Empty(t, f.Symbols)
	assert.Equal(t, LangUnknown, f.Language)
}
