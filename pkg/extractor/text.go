package extractor

import (
	"regexp"
	"strings"

	"github.com/quka-ai/conhub/pkg/types"
)

var (
	mentionPattern   = regexp.MustCompile(`(?:^|[\s(,])@([A-Za-z0-9][A-Za-z0-9_.\-]{0,38})`)
	emailPattern     = regexp.MustCompile(`\b([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})\b`)
	urlPattern       = regexp.MustCompile(`https?://[^\s<>")\]]+`)
	properPattern    = regexp.MustCompile(`\b([A-Z][a-z]+(?:[ \t]+(?:[A-Z][a-z]+|[A-Z]\.))*(?:[ \t]+(?:Inc|Corp|LLC|Ltd|GmbH|Labs|Foundation|University|Company|Group|Technologies)\.?)?)\b`)
	issueRefPattern  = regexp.MustCompile(`(?:^|[^\w&])#(\d{1,7})\b`)
	ticketKeyPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]{1,9}-\d+)\b`)
	resolvesPattern  = regexp.MustCompile(`(?i)\b(?:fix(?:es|ed)?|close[sd]?|resolve[sd]?)\s+#(\d{1,7})\b`)

	backtickPattern   = regexp.MustCompile("`([A-Za-z_][A-Za-z0-9_.]*)(?:\\(\\))?`")
	callRefPattern    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\(\)`)
	snakeCasePattern  = regexp.MustCompile(`\b([a-z][a-z0-9]*_[a-z0-9_]+)\b`)
	camelCasePattern  = regexp.MustCompile(`\b([a-z]+[A-Z][A-Za-z0-9]*)\b`)
	pascalCasePattern = regexp.MustCompile(`\b([A-Z][a-z0-9]+[A-Z][A-Za-z0-9]*)\b`)
)

var notTicketPrefixes = map[string]bool{"UTF": true, "ISO": true, "SHA": true, "RFC": true, "HTTP": true, "TLS": true}

var orgSuffixes = []string{"Inc", "Corp", "LLC", "Ltd", "GmbH", "Labs", "Foundation", "University", "Company", "Group", "Technologies"}

// properStopwords are capitalized words that start sentences far more often
// than they start names.
var properStopwords = map[string]bool{
	"The": true, "This": true, "That": true, "These": true, "Those": true, "A": true, "An": true,
	"I": true, "We": true, "You": true, "He": true, "She": true, "It": true, "They": true,
	"If": true, "When": true, "Then": true, "And": true, "But": true, "Or": true, "So": true,
	"Hi": true, "Hello": true, "Thanks": true, "Please": true, "Yes": true, "No": true,
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true, "Friday": true,
	"Saturday": true, "Sunday": true, "Today": true, "Tomorrow": true, "Yesterday": true,
	"In": true, "On": true, "At": true, "For": true, "With": true, "From": true, "To": true,
	"Also": true, "Note": true, "See": true, "What": true, "Why": true, "How": true, "Who": true,
}

// container returns the entity that stands for the chunk's source item.
func container(b *builder, c *types.Chunk) *types.Entity {
	title := c.Metadata.String(types.META_TITLE)
	switch c.BlockType {
	case types.BLOCK_CHAT:
		channel := c.Metadata.String(types.META_CHANNEL)
		name := title
		if name == "" {
			name = channel
		}
		conv := b.entity(types.ENTITY_CONVERSATION, c.SourceItemID, name, types.Metadata{
			"channel":    channel,
			"started_at": c.Metadata.String(types.META_STARTED_AT),
		})
		if channel != "" {
			ch := b.entity(types.ENTITY_CHANNEL, channel, channel, nil)
			b.relate(conv, ch, types.REL_BELONGS_TO, 1)
		}
		return conv
	case types.BLOCK_TICKET_HEADER, types.BLOCK_TICKET_CONVERSATION:
		t := types.ENTITY_ISSUE
		if c.Metadata.String(types.META_TICKET_TYPE) == "pull_request" {
			t = types.ENTITY_PULL_REQUEST
		}
		number := c.Metadata.String(types.META_ISSUE_NUMBER)
		key := c.SourceItemID
		if number != "" {
			key = c.Metadata.String(types.META_REPOSITORY) + "#" + number
		}
		return b.entity(t, key, title, types.Metadata{
			"number": number,
			"state":  c.Metadata.String(types.META_STATE),
			"url":    c.Metadata.String(types.META_URL),
		})
	}
	t := types.ENTITY_DOCUMENT
	if types.ConnectorKind(b.sourceKind) == types.CONNECTOR_WEB {
		t = types.ENTITY_PAGE
	}
	name := title
	if name == "" {
		name = c.Metadata.String(types.META_PATH)
	}
	if name == "" {
		name = c.Metadata.String(types.META_URL)
	}
	return b.entity(t, c.SourceItemID, name, types.Metadata{
		"path": c.Metadata.String(types.META_PATH),
		"url":  c.Metadata.String(types.META_URL),
	})
}

// extractText handles prose, chat and tickets with pattern based named
// entity recognition.
func extractText(b *builder, c *types.Chunk) {
	root := container(b, c)
	repo := b.repository(c)
	b.relate(root, repo, types.REL_BELONGS_TO, 1)

	for _, a := range b.authors(c) {
		b.relate(root, a, types.REL_AUTHORED_BY, 1)
	}

	text := c.Content
	for _, m := range emailPattern.FindAllStringSubmatch(text, -1) {
		addr := strings.ToLower(m[1])
		p := b.entity(types.ENTITY_PERSON, "email:"+addr, addr, types.Metadata{"email": addr})
		b.relate(root, p, types.REL_MENTIONS, 1)
	}
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		handle := strings.TrimRight(m[1], ".-")
		if handle == "" {
			continue
		}
		b.relate(root, b.person(handle, types.Metadata{"username": handle}), types.REL_MENTIONS, 1)
	}
	for _, name := range properNames(text) {
		if isOrganization(name) {
			b.relate(root, b.entity(types.ENTITY_ORGANIZATION, strings.ToLower(name), name, nil), types.REL_MENTIONS, 0.8)
			continue
		}
		b.relate(root, b.person(name, types.Metadata{"full_name": name}), types.REL_MENTIONS, 0.6)
	}

	for _, ref := range codeReferences(text) {
		e := b.entity(types.ENTITY_CODE_ENTITY, "ref:"+ref, ref, nil)
		if c.BlockType == types.BLOCK_CHAT || c.BlockType == types.BLOCK_TICKET_CONVERSATION {
			b.relate(e, root, types.REL_DISCUSSED_IN, 1)
			continue
		}
		b.relate(root, e, types.REL_REFERENCES, 1)
	}

	repoName := c.Metadata.String(types.META_REPOSITORY)
	resolved := map[string]bool{}
	if root.EntityType == types.ENTITY_PULL_REQUEST {
		for _, m := range resolvesPattern.FindAllStringSubmatch(text, -1) {
			resolved[m[1]] = true
		}
	}
	for _, m := range issueRefPattern.FindAllStringSubmatch(text, -1) {
		number := m[1]
		if number == root.Properties.String("number") {
			continue
		}
		issue := b.entity(types.ENTITY_ISSUE, repoName+"#"+number, "#"+number, types.Metadata{"number": number})
		if resolved[number] {
			b.relate(root, issue, types.REL_RESOLVES, 1)
			continue
		}
		b.relate(root, issue, types.REL_REFERENCES, 1)
	}
	for _, m := range ticketKeyPattern.FindAllStringSubmatch(text, -1) {
		if notTicketPrefixes[strings.SplitN(m[1], "-", 2)[0]] {
			continue
		}
		b.relate(root, b.entity(types.ENTITY_ISSUE, m[1], m[1], types.Metadata{"key": m[1]}), types.REL_REFERENCES, 1)
	}
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:")
		b.relate(root, b.entity(types.ENTITY_URL, u, u, nil), types.REL_REFERENCES, 0.5)
	}
}

// properNames returns runs of capitalized words. Single words only count
// when they carry an organization suffix; leading stopwords are dropped.
func properNames(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range properPattern.FindAllString(text, -1) {
		words := strings.Fields(m)
		for len(words) > 0 && properStopwords[words[0]] {
			words = words[1:]
		}
		name := strings.Join(words, " ")
		if name == "" || seen[name] {
			continue
		}
		if len(words) < 2 && !isOrganization(name) {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func isOrganization(name string) bool {
	last := strings.TrimSuffix(name[strings.LastIndexByte(name, ' ')+1:], ".")
	for _, s := range orgSuffixes {
		if last == s {
			return true
		}
	}
	return false
}

// codeReferences finds identifiers that look like code: backticked names,
// calls written as name(), snake_case and camelCase tokens.
func codeReferences(text string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.Trim(s, ".")
		if len(s) < 3 || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, m := range backtickPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range callRefPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, p := range []*regexp.Regexp{snakeCasePattern, camelCasePattern, pascalCasePattern} {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if emailPattern.MatchString(m[1]) {
				continue
			}
			add(m[1])
		}
	}
	return out
}
