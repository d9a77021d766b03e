package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func newSource(root string) *types.Source {
	return &types.Source{
		ID:          "src-1",
		TenantID:    "tenant-1",
		Name:        "demo",
		Kind:        types.ITEM_CODE_REPO,
		ExternalRef: root,
		Config:      types.Metadata{"author": "alice"},
	}
}

func collect(t *testing.T, c connector.Connector, src *types.Source, cursor string) []*types.SourceItem {
	t.Helper()
	var out []*types.SourceItem
	for item, err := range c.ListItems(context.Background(), src, cursor) {
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

func TestListItems(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "hello.py", "def greet(name): return f\"hi {name}\"\n")
	writeFile(t, root, "pkg/util.go", "package pkg\n\nfunc Util() {}\n")
	writeFile(t, root, ".git/config", "[core]")
	writeFile(t, root, "node_modules/x/index.js", "module.exports = 1")
	writeFile(t, root, "bin.dat", "ab\x00cd")

	c, err := New(connector.Deps{})
	require.NoError(t, err)
	src := newSource(root)

	items := collect(t, c, src, "")
	require.Len(t, items, 2)
	assert.Equal(t, "hello.py", items[0].ExternalID)
	assert.Equal(t, "pkg/util.go", items[1].ExternalID)

	hello := items[0]
	assert.Equal(t, types.SourceItemID("src-1", "hello.py"), hello.ID)
	assert.Equal(t, "python", hello.Language)
	assert.Equal(t, types.ContentHash("def greet(name): return f\"hi {name}\"\n"), hello.ContentFingerprint)
	assert.Equal(t, "alice", hello.Metadata.String(types.META_AUTHOR))
	assert.Equal(t, "demo", hello.Metadata.String(types.META_REPOSITORY))
	assert.Equal(t, "hello.py", hello.Cursor)

	// restart after the first item
	rest := collect(t, c, src, hello.Cursor)
	require.Len(t, rest, 1)
	assert.Equal(t, "pkg/util.go", rest[0].ExternalID)

	assert.Empty(t, collect(t, c, src, "pkg/util.go"))
}

func TestListItemsIsDeterministic(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"c.md", "a.md", "b/d.md"} {
		writeFile(t, root, name, "# "+name)
	}
	c, _ := New(connector.Deps{})
	src := newSource(root)
	first := collect(t, c, src, "")
	second := collect(t, c, src, "")
	require.Len(t, first, 3)
	for i := range first {
		assert.Equal(t, first[i].ExternalID, second[i].ExternalID)
		assert.Equal(t, first[i].ContentFingerprint, second[i].ContentFingerprint)
	}
}

func TestExcludeAndSizeLimit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.go", "package keep")
	writeFile(t, root, "gen/skip.go", "package gen")
	writeFile(t, root, "big.txt", string(make([]byte, 64)))
	src := newSource(root)
	src.Config["exclude"] = []string{"gen/*"}
	src.Config["max_file_bytes"] = 32

	c, _ := New(connector.Deps{})
	items := collect(t, c, src, "")
	require.Len(t, items, 1)
	assert.Equal(t, "keep.go", items[0].ExternalID)

	n, err := c.(connector.Counter).CountItems(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMissingRootIsTerminalNotFound(t *testing.T) {
	c, _ := New(connector.Deps{})
	src := newSource(filepath.Join(t.TempDir(), "missing"))
	var errs []error
	for _, err := range c.ListItems(context.Background(), src, "") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], errors.KindNotFound))
}

func TestFetchContentAndBranches(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	c, _ := New(connector.Deps{})
	src := newSource(root)

	content, err := c.FetchContent(context.Background(), src, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content.Bytes))

	_, err = c.FetchContent(context.Background(), src, "nope.txt")
	assert.True(t, errors.Is(err, errors.KindNotFound))

	branches, err := c.(connector.BranchLister).ListBranches(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []types.Branch{{Name: "local", Default: true}}, branches)
}

func TestCancelledListing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a")
	c, _ := New(connector.Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var errs []error
	for _, err := range c.ListItems(ctx, newSource(root), "") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.Equal(t, errors.KindBudget, errors.KindOf(errs[0]))
}
