package localfs

import (
	"bytes"
	"context"
	"io/fs"
	"iter"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quka-ai/conhub/pkg/codeparse"
	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const defaultMaxFileBytes = 1 << 20

var skipDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true, "node_modules": true, "vendor": true,
	"target": true, "dist": true, "build": true, "__pycache__": true, ".venv": true,
}

// Connector lists the files below a local directory. The source's external
// ref is the root path; the cursor is the last relative path in lexical order.
//
// Source config:
//
//	repository      name recorded on every item, defaults to the source name
//	author          author attributed to every file
//	max_file_bytes  larger files are skipped
//	exclude         glob patterns matched against relative paths
type Connector struct{}

func New(_ connector.Deps) (connector.Connector, error) {
	return &Connector{}, nil
}

func (c *Connector) Kind() types.ConnectorKind {
	return types.CONNECTOR_LOCAL_FS
}

func (c *Connector) Validate(ctx context.Context, _ string) (bool, error) {
	return true, nil
}

func (c *Connector) SnapshotListing(*types.Source) bool {
	return true
}

func (c *Connector) ListBranches(ctx context.Context, src *types.Source) ([]types.Branch, error) {
	if _, err := root(src); err != nil {
		return nil, err
	}
	return []types.Branch{{Name: "local", Default: true}}, nil
}

func (c *Connector) CountItems(ctx context.Context, src *types.Source) (int64, error) {
	files, err := walk(src)
	if err != nil {
		return 0, err
	}
	return int64(len(files)), nil
}

func root(src *types.Source) (string, error) {
	dir := src.ExternalRef
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewKind("localfs.root", errors.KindNotFound, "source directory does not exist", err)
		}
		return "", errors.NewKind("localfs.root", errors.KindTransient, "failed to stat source directory", err)
	}
	if !info.IsDir() {
		return "", errors.NewKind("localfs.root", errors.KindConfiguration, "source path is not a directory", nil)
	}
	return dir, nil
}

// walk returns the relative, slash separated paths of indexable files in
// lexical order.
func walk(src *types.Source) ([]string, error) {
	dir, err := root(src)
	if err != nil {
		return nil, err
	}
	excludes := src.Config.Strings("exclude")
	maxBytes := int64(src.Config.Int("max_file_bytes"))
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if p != dir && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		for _, pattern := range excludes {
			if ok, _ := path.Match(pattern, rel); ok {
				return nil
			}
		}
		if info, err := d.Info(); err != nil || info.Size() > maxBytes {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, errors.NewKind("localfs.walk", errors.KindTransient, "failed to walk source directory", err)
	}
	sort.Strings(files)
	return files, nil
}

func (c *Connector) ListItems(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error] {
	return func(yield func(*types.SourceItem, error) bool) {
		files, err := walk(src)
		if err != nil {
			yield(nil, err)
			return
		}
		start := sort.SearchStrings(files, cursor)
		if start < len(files) && files[start] == cursor {
			start++
		}
		for _, rel := range files[start:] {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.Trace("localfs.ListItems", err))
				return
			}
			item, err := c.item(src, rel)
			if err != nil {
				if errors.Is(err, errors.KindNotFound) {
					// deleted between walk and read
					continue
				}
				if !yield(nil, &connector.ItemError{ExternalID: rel, Err: err}) {
					return
				}
				continue
			}
			if item == nil {
				continue
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (c *Connector) item(src *types.Source, rel string) (*types.SourceItem, error) {
	full := filepath.Join(src.ExternalRef, filepath.FromSlash(rel))
	raw, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewKind("localfs.item", errors.KindNotFound, "file vanished", err)
		}
		return nil, errors.NewKind("localfs.item", errors.KindTransient, "failed to read "+rel, err)
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return nil, nil
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, errors.NewKind("localfs.item", errors.KindTransient, "failed to stat "+rel, err)
	}

	repo := src.Config.String("repository")
	if repo == "" {
		repo = src.Name
	}
	lang := codeparse.DetectLanguage(rel)
	meta := types.Metadata{
		types.META_PATH:           rel,
		types.META_TITLE:          path.Base(rel),
		types.META_REPOSITORY:     repo,
		types.META_SOURCE_UPDATED: info.ModTime().Unix(),
	}
	if author := src.Config.String("author"); author != "" {
		meta[types.META_AUTHOR] = author
	}
	return &types.SourceItem{
		TenantID:           src.TenantID,
		SourceID:           src.ID,
		ExternalID:         rel,
		ID:                 types.SourceItemID(src.ID, rel),
		Kind:               src.Kind,
		Title:              path.Base(rel),
		Content:            string(raw),
		Language:           lang,
		MimeType:           http.DetectContentType(raw),
		ContentFingerprint: types.ContentHash(string(raw)),
		Metadata:           meta,
		Cursor:             rel,
		SourceUpdatedAt:    info.ModTime().Unix(),
	}, nil
}

func (c *Connector) FetchContent(ctx context.Context, src *types.Source, externalID string) (*connector.Content, error) {
	raw, err := os.ReadFile(filepath.Join(src.ExternalRef, filepath.FromSlash(externalID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewKind("localfs.FetchContent", errors.KindNotFound, "file not found", err)
		}
		return nil, errors.NewKind("localfs.FetchContent", errors.KindTransient, "failed to read file", err)
	}
	return &connector.Content{Bytes: raw, Mime: http.DetectContentType(raw)}, nil
}
