package rag

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

func TestChunkRespectsSizeAndOverlap(t *testing.T) {
	para := strings.Repeat("Revenue grew strongly this quarter. ", 20)
	text := para + "\n\n" + para + "\n\n" + para
	chunks := Chunk(text, 400, 50)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 400)
		assert.NotEmpty(t, c)
	}
	assert.Nil(t, Chunk("   ", 100, 10))
	assert.Equal(t, []string{"short"}, Chunk("short", 100, 10))
}

func TestChunkHandlesMultibyteText(t *testing.T) {
	text := strings.Repeat("삼성전자의 메모리 사업은 회복세다. ", 50)
	for _, c := range Chunk(text, 100, 10) {
		assert.True(t, utf8.ValidString(c))
	}
}

func TestLibraryIndexAndSearchInMemory(t *testing.T) {
	lib := NewLibrary("")
	defer lib.Close()

	_, err := lib.Search("reports", "memory", 3)
	assert.ErrorIs(t, err, ErrUnknownKB)

	n, err := lib.Index("reports",
		Document{ID: "hbm", Title: "HBM outlook", Source: "desk note", Text: "High bandwidth memory demand is driven by AI accelerators."},
		Document{ID: "autos", Title: "Auto sales", Text: "Electric vehicle sales slowed in Europe."},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := lib.Search("reports", "memory accelerators", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "hbm", hits[0].DocID)
	assert.Equal(t, "HBM outlook", hits[0].Title)
	assert.Equal(t, 1, hits[0].Rank)

	// reindexing replaces the old chunks
	_, err = lib.Index("reports", Document{ID: "hbm", Title: "HBM outlook", Text: "Supply of wafers is tight."})
	require.NoError(t, err)
	hits, err = lib.Search("reports", "accelerators", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.Equal(t, []string{"reports"}, lib.Names())
}

func TestLibraryPersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	lib := NewLibrary(dir)
	_, err := lib.Index("filings", Document{ID: "10k", Title: "Annual report", Text: "Gross margin expanded to forty percent."})
	require.NoError(t, err)
	require.NoError(t, lib.Close())

	reopened := NewLibrary(dir)
	defer reopened.Close()
	assert.Equal(t, []string{"filings"}, reopened.Names())
	hits, err := reopened.Search("filings", "margin", 2)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Text, "forty percent")
}

func TestInvalidKBName(t *testing.T) {
	_, err := NewLibrary("").Index("../etc", Document{ID: "x", Text: "y"})
	assert.Error(t, err)
}

type echoAnswerer struct{ prompt string }

func (e *echoAnswerer) Complete(_ context.Context, _, user string) (string, error) {
	e.prompt = user
	return " HBM demand comes from AI [1]. ", nil
}

func TestAdapter(t *testing.T) {
	lib := NewLibrary("")
	defer lib.Close()
	_, err := lib.Index("default", Document{ID: "hbm", Title: "HBM", Text: "AI accelerators need high bandwidth memory."})
	require.NoError(t, err)

	ans := &echoAnswerer{}
	a := &Adapter{Library: lib, DefaultKB: "default", TopK: 3, Answerer: ans}
	res, err := a.Invoke(context.Background(), tools.Params{"query": "bandwidth memory"})
	require.NoError(t, err)
	data := res.Data.(map[string]any)
	assert.Equal(t, "HBM demand comes from AI [1].", data["answer"])
	assert.Contains(t, ans.prompt, "[1] HBM")
	assert.Contains(t, res.CitationLabel, "default")

	_, err = a.Invoke(context.Background(), tools.Params{"query": "x", "kb": "missing"})
	assert.Equal(t, tools.ReasonNotFound, tools.Classify(tools.TypeRAGSearch, err).Reason)

	_, err = a.Invoke(context.Background(), tools.Params{"query": "zebra"})
	assert.Equal(t, tools.ReasonNotFound, tools.Classify(tools.TypeRAGSearch, err).Reason)
}
