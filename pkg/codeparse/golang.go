package codeparse

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
)

// parseGo uses the standard Go parser; sources that do not parse fall back to
// the brace scanner so partially written files still produce symbols.
func parseGo(src string) *File {
	fset := token.NewFileSet()
	af, err := parser.ParseFile(fset, "", src, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil || af == nil {
		return parseBraced(src, braceRules[LangGo])
	}

	f := &File{Package: af.Name.Name}
	for _, imp := range af.Imports {
		if p, err := strconv.Unquote(imp.Path.Value); err == nil {
			f.Imports = append(f.Imports, p)
		}
	}

	for _, decl := range af.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			sym := Symbol{
				Name:      d.Name.Name,
				Kind:      SymbolFunction,
				StartLine: fset.Position(d.Pos()).Line,
				EndLine:   fset.Position(d.End()).Line,
			}
			if d.Doc != nil {
				sym.StartLine = fset.Position(d.Doc.Pos()).Line
			}
			if d.Recv != nil && len(d.Recv.List) > 0 {
				sym.Kind = SymbolMethod
				sym.Receiver = receiverName(d.Recv.List[0].Type)
			}
			if d.Body != nil {
				sym.Calls = goCalls(d.Body, d.Name.Name)
			}
			f.Symbols = append(f.Symbols, sym)
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				kind := SymbolClass
				if _, isIface := ts.Type.(*ast.InterfaceType); isIface {
					kind = SymbolInterface
				}
				start := fset.Position(d.Pos()).Line
				if d.Doc != nil {
					start = fset.Position(d.Doc.Pos()).Line
				}
				if d.Lparen.IsValid() {
					start = fset.Position(ts.Pos()).Line
				}
				f.Symbols = append(f.Symbols, Symbol{
					Name:      ts.Name.Name,
					Kind:      kind,
					StartLine: start,
					EndLine:   fset.Position(ts.End()).Line,
				})
			}
		}
	}
	return f
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return ""
}

func goCalls(body *ast.BlockStmt, self string) []string {
	var out []string
	seen := map[string]bool{}
	ast.Inspect(body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		var name string
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			name = fn.Name
		case *ast.SelectorExpr:
			name = fn.Sel.Name
		}
		if name == "" || name == self || callStopwords[name] || seen[name] {
			return true
		}
		seen[name] = true
		out = append(out, name)
		return true
	})
	return out
}
