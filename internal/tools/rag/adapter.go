package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

// Answerer condenses retrieved passages into an answer. *llm.Client satisfies it.
type Answerer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const answerSystem = "Answer the question using only the numbered passages. Cite passages as [n]. " +
	"If the passages do not contain the answer, say so."

// Adapter serves rag_search.
type Adapter struct {
	Library   *Library
	DefaultKB string
	TopK      int
	// Answerer is optional; without it the adapter returns the passages only.
	Answerer Answerer
}

func (a *Adapter) Type() tools.Type { return tools.TypeRAGSearch }

func (a *Adapter) Definition() tools.Definition {
	return tools.Definition{
		Name:        string(tools.TypeRAGSearch),
		Description: "Search the internal knowledge base of reports and filings.",
		Parameters: tools.ObjectSchema(map[string]string{
			"query": "Question or keywords",
			"kb":    "Knowledge base name (optional)",
			"top_k": "Number of passages to retrieve",
		}, "query"),
	}
}

func (a *Adapter) Invoke(ctx context.Context, p tools.Params) (tools.Result, error) {
	q := p.Get("query", "")
	if q == "" {
		return tools.Result{}, tools.NotFound(tools.TypeRAGSearch, "empty query")
	}
	kb := p.Get("kb", a.DefaultKB)
	passages, err := a.Library.Search(kb, q, p.Int("top_k", a.TopK))
	switch {
	case errors.Is(err, ErrUnknownKB):
		return tools.Result{}, tools.NotFound(tools.TypeRAGSearch, "knowledge base %q does not exist", kb)
	case err != nil:
		return tools.Result{}, tools.Classify(tools.TypeRAGSearch, err)
	case len(passages) == 0:
		return tools.Result{}, tools.NotFound(tools.TypeRAGSearch, "no passages match %q", q)
	}
	data := map[string]any{"query": q, "kb": kb, "passages": passages}
	if a.Answerer != nil {
		answer, err := a.Answerer.Complete(ctx, answerSystem, answerPrompt(q, passages))
		if err != nil {
			return tools.Result{}, tools.Classify(tools.TypeRAGSearch, err)
		}
		data["answer"] = strings.TrimSpace(answer)
	}
	return tools.Result{
		Data:          data,
		CitationLabel: fmt.Sprintf("Knowledge base %s: %q", kb, q),
	}, nil
}

func answerPrompt(q string, passages []Passage) string {
	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, p.Title, p.Text)
	}
	fmt.Fprintf(&b, "Question: %s", q)
	return b.String()
}
