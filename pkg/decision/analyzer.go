package decision

import (
	"strings"
	"unicode"

	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/types"
)

type QueryKind string

const (
	QUERY_RELATIONAL  QueryKind = "relational"
	QUERY_EXPLANATORY QueryKind = "explanatory"
	QUERY_COMPLEX     QueryKind = "complex"
	QUERY_LOOKUP      QueryKind = "lookup"
)

// complexTokens is the token count above which a query is answered with both indexes.
const complexTokens = 15

var (
	relationalWords   = []string{"who", "related", "connected", "mentions", "references", "relationship", "author"}
	relationalPhrases = []string{"depends on"}
	explanatoryWords  = []string{"how", "why", "explain"}

	stopWords = lo.SliceToMap([]string{
		"a", "an", "the", "and", "or", "of", "to", "in", "on", "for", "with", "by", "at", "from",
		"is", "are", "was", "were", "be", "been", "do", "does", "did", "has", "have", "had",
		"who", "what", "when", "where", "which", "why", "how", "explain", "wrote", "written",
		"related", "connected", "mentions", "mention", "references", "reference", "relationship",
		"depends", "author", "authored", "me", "i", "it", "its", "this", "that", "these", "those",
		"about", "show", "find", "tell", "all", "any", "some", "there",
	}, func(w string) (string, struct{}) { return w, struct{}{} })

	// nouns naming a kind of thing rather than the thing itself
	genericWords = lo.SliceToMap([]string{
		"function", "functions", "method", "methods", "class", "classes", "module", "file", "files",
		"code", "issue", "issues", "person", "people", "channel", "document", "page",
	}, func(w string) (string, struct{}) { return w, struct{}{} })
)

// Analysis is what the engine needs to know about a query before running it.
type Analysis struct {
	Kind     QueryKind
	Strategy types.Strategy
	Tokens   int
	Terms    []string
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '-'
	})
}

// Analyze classifies the query. Relational phrasing wins over length and
// explanatory phrasing; everything else is a plain lookup.
func Analyze(query string) Analysis {
	tokens := lo.Map(tokenize(query), func(t string, _ int) string { return strings.Trim(t, ".-") })
	tokens = lo.Filter(tokens, func(t string, _ int) bool { return t != "" })
	lower := " " + strings.Join(tokens, " ") + " "

	a := Analysis{Tokens: len(tokens)}
	switch {
	case lo.ContainsBy(relationalWords, func(w string) bool { return lo.Contains(tokens, w) }) ||
		lo.ContainsBy(relationalPhrases, func(p string) bool { return strings.Contains(lower, " "+p+" ") }):
		a.Kind, a.Strategy = QUERY_RELATIONAL, types.STRATEGY_GRAPH
	case len(tokens) > complexTokens:
		a.Kind, a.Strategy = QUERY_COMPLEX, types.STRATEGY_HYBRID
	case lo.ContainsBy(explanatoryWords, func(w string) bool { return lo.Contains(tokens, w) }):
		a.Kind, a.Strategy = QUERY_EXPLANATORY, types.STRATEGY_HYBRID
	default:
		a.Kind, a.Strategy = QUERY_LOOKUP, types.STRATEGY_VECTOR
	}

	var generic []string
	for _, t := range tokens {
		if _, ok := stopWords[t]; ok || len([]rune(t)) < 2 {
			continue
		}
		if _, ok := genericWords[t]; ok {
			generic = append(generic, t)
			continue
		}
		a.Terms = append(a.Terms, t)
	}
	if len(a.Terms) == 0 {
		a.Terms = generic
	}
	a.Terms = lo.Uniq(a.Terms)
	return a
}
