package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scrypster/checkpoint/pkg/types"
)

// Item is one source document after text extraction: a file, one message of
// a JSON export, or one message passed in directly.
type Item struct {
	// Source names the item in summaries, e.g. "notes/a.md" or "messages.json#3".
	Source     string
	Text       string
	Metadata   map[string]string
	SourceType types.SourceType
}

// extractor turns one file into items.
type extractor func(path string, data []byte) ([]Item, error)

var extractors = map[string]extractor{
	".txt":      extractText,
	".md":       extractMarkdown,
	".markdown": extractMarkdown,
	".json":     extractJSON,
	".pdf":      extractPDF,
	".eml":      extractEmail,
}

// Supported reports whether files with this name are ingested.
func Supported(path string) bool {
	_, ok := extractors[strings.ToLower(filepath.Ext(path))]
	return ok
}

// defaultSourceType guesses the source type of a file from its extension.
func defaultSourceType(path string) types.SourceType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return types.SourceMessage
	case ".eml":
		return types.SourceEmail
	default:
		return types.SourceWriting
	}
}

// sourceFile is a path found by enumeration, relative to the walk root.
type sourceFile struct {
	path string
	rel  string
}

// enumerate lists the files to ingest: root itself if it is a file, or every
// supported file below it in lexical order.
func enumerate(ctx context.Context, root string) ([]sourceFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", types.ErrInvalidConfiguration, root, err)
	}
	if !info.IsDir() {
		if !Supported(root) {
			return nil, fmt.Errorf("%w: unsupported source file %s", types.ErrInvalidConfiguration, root)
		}
		return []sourceFile{{path: root, rel: filepath.Base(root)}}, nil
	}

	var files []sourceFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !Supported(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, sourceFile{path: path, rel: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

// extractFile reads one file and extracts its items. An explicit sourceType
// overrides whatever the extractor or the extension suggests.
func extractFile(f sourceFile, sourceType types.SourceType) ([]Item, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.rel, err)
	}
	ext := extractors[strings.ToLower(filepath.Ext(f.path))]
	items, err := ext(f.rel, data)
	if err != nil {
		return nil, err
	}
	for i := range items {
		switch {
		case sourceType != "":
			items[i].SourceType = sourceType
		case items[i].SourceType == "":
			items[i].SourceType = defaultSourceType(f.path)
		}
		if items[i].Metadata == nil {
			items[i].Metadata = map[string]string{}
		}
		items[i].Metadata["file"] = f.rel
	}
	return items, nil
}

func extractText(path string, data []byte) ([]Item, error) {
	return []Item{{Source: path, Text: string(data)}}, nil
}
