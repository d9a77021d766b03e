package extractor_test

import (
	"context"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/app/store"
	"github.com/quka-ai/conhub/app/store/memstore"
	"github.com/quka-ai/conhub/pkg/extractor"
	"github.com/quka-ai/conhub/pkg/types"
)

func codeChunk(content string) *types.Chunk {
	return &types.Chunk{
		ChunkID:      "c1",
		TenantID:     "t1",
		SourceItemID: "item-1",
		Content:      content,
		BlockType:    types.BLOCK_CODE,
		Language:     "python",
		Metadata: types.Metadata{
			types.META_PATH:       "hello.py",
			types.META_REPOSITORY: "acme/hello",
			types.META_CONNECTOR:  string(types.CONNECTOR_LOCAL_FS),
			types.META_AUTHOR:     "alice",
		},
	}
}

func byType(ex *types.Extraction, t types.EntityType) []*types.Entity {
	return lo.Filter(ex.Entities, func(e *types.Entity, _ int) bool { return e.EntityType == t })
}

func hasRel(ex *types.Extraction, from, to *types.Entity, rel types.RelType) bool {
	return lo.ContainsBy(ex.Relationships, func(r *types.Relationship) bool {
		return r.FromEntity == from.ID && r.ToEntity == to.ID && r.RelType == rel
	})
}

func TestExtractPythonFunction(t *testing.T) {
	ex := extractor.New().Extract(codeChunk("import os\n\ndef greet(name):\n    return helper(name)\n"))
	assert.Equal(t, "c1", ex.ChunkID)

	fns := byType(ex, types.ENTITY_FUNCTION)
	require.Len(t, fns, 1)
	greet := fns[0]
	assert.Equal(t, "greet", greet.Name)
	assert.Equal(t, "t1", greet.TenantID)
	assert.Equal(t, string(types.CONNECTOR_LOCAL_FS), greet.SourceKind)
	assert.Equal(t, "def greet(name):", greet.Properties.String("signature"))

	files := byType(ex, types.ENTITY_FILE)
	require.Len(t, files, 1)
	people := byType(ex, types.ENTITY_PERSON)
	require.Len(t, people, 1)
	assert.Equal(t, "alice", people[0].Name)

	assert.True(t, hasRel(ex, greet, files[0], types.REL_BELONGS_TO))
	assert.True(t, hasRel(ex, greet, people[0], types.REL_AUTHORED_BY))

	refs := byType(ex, types.ENTITY_CODE_ENTITY)
	require.Len(t, refs, 1)
	assert.Equal(t, "helper", refs[0].Name)
	assert.True(t, hasRel(ex, greet, refs[0], types.REL_CALLS))

	mods := byType(ex, types.ENTITY_MODULE)
	require.Len(t, mods, 1)
	assert.True(t, hasRel(ex, files[0], mods[0], types.REL_IMPORTS))
}

func TestExtractIsStableAcrossEdits(t *testing.T) {
	x := extractor.New()
	before := byType(x.Extract(codeChunk("def greet(name): return f\"hi {name}\"\n")), types.ENTITY_FUNCTION)
	after := byType(x.Extract(codeChunk("def greet(name): return name.upper()\n")), types.ENTITY_FUNCTION)
	require.Len(t, before, 1)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID, "entity identity survives content edits")
	assert.NotEqual(t, before[0].Properties.String("content_hash"), after[0].Properties.String("content_hash"))
}

func TestExtractText(t *testing.T) {
	c := &types.Chunk{
		ChunkID:      "c2",
		TenantID:     "t1",
		SourceItemID: "item-2",
		BlockType:    types.BLOCK_TEXT,
		Content: "The Jane Doe notes: Acme Labs ships `parse_config` soon. " +
			"Ping @bob or carol@example.com, see #42 and PROJ-7 at https://example.com/docs.",
		Metadata: types.Metadata{
			types.META_CONNECTOR:  string(types.CONNECTOR_GDRIVE),
			types.META_TITLE:      "Roadmap",
			types.META_REPOSITORY: "acme/hello",
		},
	}
	ex := extractor.New().Extract(c)

	docs := byType(ex, types.ENTITY_DOCUMENT)
	require.Len(t, docs, 1)
	assert.Equal(t, "Roadmap", docs[0].Name)

	names := lo.Map(byType(ex, types.ENTITY_PERSON), func(e *types.Entity, _ int) string { return e.Name })
	assert.ElementsMatch(t, []string{"Jane Doe", "bob", "carol@example.com"}, names)

	orgs := byType(ex, types.ENTITY_ORGANIZATION)
	require.Len(t, orgs, 1)
	assert.Equal(t, "Acme Labs", orgs[0].Name)

	refs := byType(ex, types.ENTITY_CODE_ENTITY)
	require.Len(t, refs, 1)
	assert.Equal(t, "parse_config", refs[0].Name)
	assert.True(t, hasRel(ex, docs[0], refs[0], types.REL_REFERENCES))

	issues := lo.Map(byType(ex, types.ENTITY_ISSUE), func(e *types.Entity, _ int) string { return e.Name })
	assert.ElementsMatch(t, []string{"#42", "PROJ-7"}, issues)
	assert.Len(t, byType(ex, types.ENTITY_URL), 1)
}

func TestExtractPullRequestResolves(t *testing.T) {
	c := &types.Chunk{
		ChunkID:      "c3",
		TenantID:     "t1",
		SourceItemID: "item-3",
		BlockType:    types.BLOCK_TICKET_HEADER,
		Content:      "Fix login\n\nThis fixes #12 and relates to #13.",
		Metadata: types.Metadata{
			types.META_CONNECTOR:    string(types.CONNECTOR_GITHUB_ISSUES),
			types.META_TICKET_TYPE:  "pull_request",
			types.META_ISSUE_NUMBER: 14,
			types.META_REPOSITORY:   "acme/hello",
			types.META_TITLE:        "Fix login",
			types.META_AUTHOR:       "dave",
		},
	}
	ex := extractor.New().Extract(c)
	prs := byType(ex, types.ENTITY_PULL_REQUEST)
	require.Len(t, prs, 1)

	issues := byType(ex, types.ENTITY_ISSUE)
	require.Len(t, issues, 2)
	resolved := lo.Filter(ex.Relationships, func(r *types.Relationship, _ int) bool { return r.RelType == types.REL_RESOLVES })
	require.Len(t, resolved, 1)
	target, _ := lo.Find(issues, func(e *types.Entity) bool { return e.ID == resolved[0].ToEntity })
	assert.Equal(t, "#12", target.Name)

	people := byType(ex, types.ENTITY_PERSON)
	require.Len(t, people, 1)
	assert.True(t, hasRel(ex, prs[0], people[0], types.REL_AUTHORED_BY))
}

func TestExtractChatConversation(t *testing.T) {
	c := &types.Chunk{
		ChunkID:      "c4",
		TenantID:     "t1",
		SourceItemID: "item-4",
		BlockType:    types.BLOCK_CHAT,
		Content:      "alice: did you look at loadUser()?\nbob: yes",
		Metadata: types.Metadata{
			types.META_CONNECTOR: string(types.CONNECTOR_SLACK),
			types.META_CHANNEL:   "eng",
			types.META_AUTHORS:   []string{"alice", "bob"},
		},
	}
	ex := extractor.New().Extract(c)
	convs := byType(ex, types.ENTITY_CONVERSATION)
	require.Len(t, convs, 1)
	channels := byType(ex, types.ENTITY_CHANNEL)
	require.Len(t, channels, 1)
	assert.True(t, hasRel(ex, convs[0], channels[0], types.REL_BELONGS_TO))

	refs := byType(ex, types.ENTITY_CODE_ENTITY)
	require.Len(t, refs, 1)
	assert.Equal(t, "loadUser", refs[0].Name)
	assert.True(t, hasRel(ex, refs[0], convs[0], types.REL_DISCUSSED_IN))
	assert.Len(t, byType(ex, types.ENTITY_PERSON), 2)
}

func newResolver(threshold float64) (*extractor.Resolver, *memstore.Provider) {
	p := memstore.New()
	return extractor.NewResolver(store.NewGraphBackend(p), threshold), p
}

func person(p *memstore.Provider, sourceKind, sid, name string, props types.Metadata) *types.Entity {
	e := &types.Entity{TenantID: "t1", EntityType: types.ENTITY_PERSON, SourceKind: sourceKind, SourceIDInSource: sid, Name: name, Properties: props}
	_ = p.EntityStore().Upsert(context.Background(), e)
	return e
}

func TestResolveExactFuzzyAndNew(t *testing.T) {
	ctx := context.Background()
	r, p := newResolver(0.6)

	first := person(p, "github", "jsmith", "Jonathan Smith", nil)
	id1, kind, err := r.Resolve(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, extractor.MATCH_NEW, kind)

	exact := person(p, "slack", "U1", "jonathan  SMITH", nil)
	id2, kind, err := r.Resolve(ctx, exact)
	require.NoError(t, err)
	assert.Equal(t, extractor.MATCH_EXACT, kind)
	assert.Equal(t, id1, id2)

	fuzzy := person(p, "gdrive", "jsmith@acme", "Jonathon Smith", nil)
	id3, kind, err := r.Resolve(ctx, fuzzy)
	require.NoError(t, err)
	assert.Equal(t, extractor.MATCH_FUZZY, kind)
	assert.Equal(t, id1, id3)

	canon, err := p.CanonicalEntityStore().Get(ctx, "t1", id1)
	require.NoError(t, err)
	assert.Less(t, canon.Confidence, 1.0)

	members, err := p.EntityStore().ListByCanonical(ctx, "t1", id1)
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestResolveDefaultThresholdKeepsDistinctNames(t *testing.T) {
	ctx := context.Background()
	r, p := newResolver(0)
	assert.Equal(t, extractor.DefaultResolutionThreshold, r.Threshold())

	a := person(p, "github", "a", "Jonathan Smith", nil)
	b := person(p, "github", "b", "Jonathon Smith", nil)
	idA, _, err := r.Resolve(ctx, a)
	require.NoError(t, err)
	idB, kind, err := r.Resolve(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, extractor.MATCH_NEW, kind)
	assert.NotEqual(t, idA, idB)

	sameMail := person(p, "slack", "c", "J. Smith", types.Metadata{"email": "js@acme.io"})
	withMail := person(p, "github", "d", "Jonathan Smith Jr", types.Metadata{"email": "js@acme.io"})
	idC, _, err := r.Resolve(ctx, sameMail)
	require.NoError(t, err)
	idD, kind, err := r.Resolve(ctx, withMail)
	require.NoError(t, err)
	assert.Equal(t, idC, idD, "equal e-mail is decisive")
	assert.Equal(t, extractor.MATCH_FUZZY, kind)
}

func TestResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, p := newResolver(0)
	e := person(p, "github", "x", "Grace Hopper", nil)
	id, _, err := r.Resolve(ctx, e)
	require.NoError(t, err)

	again, kind, err := r.Resolve(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, extractor.MATCH_NONE, kind)
	assert.Equal(t, id, again)

	stored, err := p.EntityStore().Get(ctx, "t1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, id, stored.CanonicalID)
}

func TestResolveCodeReferenceJoinsDefinition(t *testing.T) {
	ctx := context.Background()
	r, p := newResolver(0)
	ref := &types.Entity{TenantID: "t1", EntityType: types.ENTITY_CODE_ENTITY, SourceKind: "slack", SourceIDInSource: "ref:greet", Name: "greet"}
	def := &types.Entity{TenantID: "t1", EntityType: types.ENTITY_FUNCTION, SourceKind: "local_fs", SourceIDInSource: "hello.py#greet", Name: "greet"}
	require.NoError(t, p.EntityStore().Upsert(ctx, ref))
	require.NoError(t, p.EntityStore().Upsert(ctx, def))

	idRef, _, err := r.Resolve(ctx, ref)
	require.NoError(t, err)
	idDef, kind, err := r.Resolve(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, extractor.MATCH_EXACT, kind)
	assert.Equal(t, idRef, idDef)

	canon, err := p.CanonicalEntityStore().Get(ctx, "t1", idRef)
	require.NoError(t, err)
	assert.Equal(t, types.ENTITY_FUNCTION, canon.EntityType)
}
