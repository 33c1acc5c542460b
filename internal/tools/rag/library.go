// Package rag keeps named bleve knowledge bases and exposes them through the
// rag_search adapter.
package rag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
)

// ErrUnknownKB is returned when searching a knowledge base that was never indexed.
var ErrUnknownKB = errors.New("unknown knowledge base")

var kbName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Document is a source document before chunking.
type Document struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Passage is one retrieved chunk.
type Passage struct {
	DocID  string  `json:"doc_id"`
	Title  string  `json:"title,omitempty"`
	Source string  `json:"source,omitempty"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// Library holds one bleve index per knowledge base. With an empty dir every
// index lives in memory.
type Library struct {
	dir string

	mu      sync.Mutex
	indexes map[string]bleve.Index
}

func NewLibrary(dir string) *Library {
	return &Library{dir: dir, indexes: make(map[string]bleve.Index)}
}

func (l *Library) path(name string) string {
	return filepath.Join(l.dir, name+".bleve")
}

// open returns the index for name, creating it when create is set.
func (l *Library) open(name string, create bool) (bleve.Index, error) {
	if !kbName.MatchString(name) {
		return nil, fmt.Errorf("invalid knowledge base name %q", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.indexes[name]; ok {
		return idx, nil
	}
	var (
		idx bleve.Index
		err error
	)
	switch {
	case l.dir == "":
		if !create {
			return nil, ErrUnknownKB
		}
		idx, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	default:
		if _, statErr := os.Stat(l.path(name)); statErr == nil {
			idx, err = bleve.Open(l.path(name))
		} else if create {
			if err := os.MkdirAll(l.dir, 0o755); err != nil {
				return nil, err
			}
			idx, err = bleve.New(l.path(name), bleve.NewIndexMapping())
		} else {
			return nil, ErrUnknownKB
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open knowledge base %s: %w", name, err)
	}
	l.indexes[name] = idx
	return idx, nil
}

// Index chunks docs into kb, replacing earlier chunks of the same document id.
// It returns the number of chunks written.
func (l *Library) Index(kb string, docs ...Document) (int, error) {
	idx, err := l.open(kb, true)
	if err != nil {
		return 0, err
	}
	batch := idx.NewBatch()
	total := 0
	for _, d := range docs {
		if strings.TrimSpace(d.ID) == "" {
			return 0, errors.New("document id is required")
		}
		for i := 0; ; i++ {
			id := chunkID(d.ID, i)
			doc, err := idx.Document(id)
			if err != nil || doc == nil {
				break
			}
			batch.Delete(id)
		}
		for i, text := range Chunk(d.Text, chunkSize, chunkOverlap) {
			if err := batch.Index(chunkID(d.ID, i), chunkFields(d, text)); err != nil {
				return 0, err
			}
			total++
		}
	}
	if err := idx.Batch(batch); err != nil {
		return 0, err
	}
	return total, nil
}

// Search returns the top k passages of kb for q.
func (l *Library) Search(kb, q string, k int) ([]Passage, error) {
	idx, err := l.open(kb, false)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(q), k, 0, false)
	req.Fields = []string{"*"}
	res, err := idx.Search(req)
	if err != nil {
		return nil, err
	}
	out := make([]Passage, 0, len(res.Hits))
	for i, hit := range res.Hits {
		out = append(out, Passage{
			DocID:  field(hit.Fields, "doc_id"),
			Title:  field(hit.Fields, "title"),
			Source: field(hit.Fields, "source"),
			Text:   field(hit.Fields, "text"),
			Score:  hit.Score,
			Rank:   i + 1,
		})
	}
	return out, nil
}

// Names lists the knowledge bases that are open or present on disk.
func (l *Library) Names() []string {
	seen := map[string]bool{}
	l.mu.Lock()
	for name := range l.indexes {
		seen[name] = true
	}
	l.mu.Unlock()
	if l.dir != "" {
		matches, _ := filepath.Glob(filepath.Join(l.dir, "*.bleve"))
		for _, m := range matches {
			seen[strings.TrimSuffix(filepath.Base(m), ".bleve")] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every open index.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for name, idx := range l.indexes {
		if err := idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(l.indexes, name)
	}
	return errors.Join(errs...)
}

func chunkFields(d Document, text string) map[string]interface{} {
	return map[string]interface{}{"doc_id": d.ID, "title": d.Title, "source": d.Source, "text": text}
}

func chunkID(docID string, i int) string { return fmt.Sprintf("%s#%d", docID, i) }

func field(fields map[string]interface{}, name string) string {
	if s, ok := fields[name].(string); ok {
		return s
	}
	return ""
}
