package rag

import (
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-shiori/go-readability"
)

var textExts = map[string]bool{".txt": true, ".md": true, ".markdown": true}

var htmlExts = map[string]bool{".html": true, ".htm": true}

// LoadDocuments reads text, markdown and HTML files under paths. Directories
// are walked; other extensions are skipped. HTML is reduced to its readable
// article text. Document ids are the cleaned file paths.
func LoadDocuments(paths ...string) ([]Document, error) {
	var docs []Document
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			doc, ok, err := loadFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if ok {
				docs = append(docs, doc)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func loadFile(path string) (Document, bool, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !textExts[ext] && !htmlExts[ext] {
		return Document{}, false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, false, err
	}
	clean := filepath.Clean(path)
	doc := Document{
		ID:     clean,
		Title:  strings.TrimSuffix(filepath.Base(clean), filepath.Ext(clean)),
		Source: clean,
		Text:   string(raw),
	}
	if htmlExts[ext] {
		article, err := readability.FromReader(strings.NewReader(doc.Text), &url.URL{Scheme: "file", Path: clean})
		if err != nil {
			return Document{}, false, err
		}
		if t := strings.TrimSpace(article.Title); t != "" {
			doc.Title = t
		}
		doc.Text = strings.Join(strings.Fields(article.TextContent), " ")
	}
	if strings.TrimSpace(doc.Text) == "" {
		return Document{}, false, nil
	}
	return doc, true, nil
}
