package extractor

import (
	"regexp"
	"strings"

	"github.com/quka-ai/conhub/pkg/codeparse"
	"github.com/quka-ai/conhub/pkg/types"
)

var (
	authorTagPattern   = regexp.MustCompile(`(?im)(?:@author|author:)\s+([A-Za-z][\w.\- ]{0,60}?)\s*(?:<([^>\s]+@[^>\s]+)>)?\s*$`)
	apiEndpointPattern = regexp.MustCompile(`\b(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+["'\x60]?(/[A-Za-z0-9_/\-{}:]*)`)
)

func symbolType(k codeparse.SymbolKind) types.EntityType {
	switch k {
	case codeparse.SymbolClass, codeparse.SymbolInterface:
		return types.ENTITY_CLASS
	default:
		return types.ENTITY_FUNCTION
	}
}

// extractCode derives the structural graph of a code chunk: repository, file,
// module, definitions, imports, calls and authorship.
func extractCode(b *builder, c *types.Chunk) {
	path := c.Metadata.String(types.META_PATH)
	repo := b.repository(c)
	scope := c.Metadata.String(types.META_REPOSITORY) + ":" + path

	var file *types.Entity
	if path != "" {
		file = b.entity(types.ENTITY_FILE, scope, path, types.Metadata{
			"path":     path,
			"language": c.Language,
		})
		b.relate(file, repo, types.REL_BELONGS_TO, 1)
	}

	parsed := codeparse.Parse(c.Language, c.Content)
	if parsed.Package != "" {
		mod := b.entity(types.ENTITY_MODULE, c.Metadata.String(types.META_REPOSITORY)+":"+parsed.Package, parsed.Package, types.Metadata{"language": c.Language})
		b.relate(file, mod, types.REL_BELONGS_TO, 1)
		b.relate(mod, repo, types.REL_BELONGS_TO, 1)
	}
	for _, imp := range parsed.Imports {
		mod := b.entity(types.ENTITY_MODULE, "import:"+c.Language+":"+imp, imp, types.Metadata{"language": c.Language, "external": true})
		b.relate(file, mod, types.REL_IMPORTS, 1)
	}

	container := file
	if container == nil {
		container = repo
	}
	lines := strings.Split(c.Content, "\n")
	startLine := c.Metadata.Int(types.META_START_LINE)
	if startLine <= 0 {
		startLine = 1
	}

	symbols := make([]*types.Entity, len(parsed.Symbols))
	defined := map[string]*types.Entity{}
	classes := map[string]*types.Entity{}
	for i, s := range parsed.Symbols {
		props := types.Metadata{
			"qualified_name": s.QualifiedName(),
			"symbol_kind":    string(s.Kind),
			"language":       c.Language,
			"path":           path,
			"start_line":     startLine + s.StartLine - 1,
			"end_line":       startLine + s.EndLine - 1,
			"content_hash":   types.ContentHash(sliceLines(lines, s.StartLine, s.EndLine)),
		}
		if s.StartLine >= 1 && s.StartLine <= len(lines) {
			props["signature"] = strings.TrimSpace(lines[s.StartLine-1])
		}
		e := b.entity(symbolType(s.Kind), scope+"#"+s.QualifiedName(), s.Name, props)
		symbols[i] = e
		defined[s.Name] = e
		if e.EntityType == types.ENTITY_CLASS {
			classes[s.Name] = e
		}
	}
	for i, s := range parsed.Symbols {
		e := symbols[i]
		parent := container
		if s.Receiver != "" {
			if cls, ok := classes[s.Receiver]; ok {
				parent = cls
				b.relate(cls, e, types.REL_CONTAINS, 1)
			}
		}
		b.relate(e, parent, types.REL_BELONGS_TO, 1)
		for _, callee := range s.Calls {
			target, ok := defined[callee]
			if !ok {
				target = b.entity(types.ENTITY_CODE_ENTITY, "ref:"+callee, callee, types.Metadata{"language": c.Language})
			}
			b.relate(e, target, types.REL_CALLS, 1)
		}
	}

	for _, m := range apiEndpointPattern.FindAllStringSubmatch(c.Content, -1) {
		api := b.entity(types.ENTITY_API, m[1]+" "+m[2], m[1]+" "+m[2], types.Metadata{"method": m[1], "route": m[2]})
		b.relate(api, container, types.REL_BELONGS_TO, 1)
	}

	authors := b.authors(c)
	for _, m := range authorTagPattern.FindAllStringSubmatch(c.Content, -1) {
		props := types.Metadata{}
		if m[2] != "" {
			props["email"] = strings.ToLower(m[2])
		}
		if p := b.person(strings.TrimSpace(m[1]), props); p != nil {
			authors = append(authors, p)
		}
	}
	for _, a := range authors {
		b.relate(file, a, types.REL_AUTHORED_BY, 1)
		for _, e := range symbols {
			b.relate(e, a, types.REL_AUTHORED_BY, 1)
		}
	}
}

func sliceLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
