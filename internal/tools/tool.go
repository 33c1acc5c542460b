// Package tools defines the adapter contract for external data providers and
// the router that invokes adapters with timeouts, retries and truncation.
package tools

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

// Type identifies a tool adapter.
type Type string

const (
	TypeStockPrice          Type = "stock_price"
	TypeFinancials          Type = "financials"
	TypeTechnicalIndicators Type = "technical_indicators"
	TypeNews                Type = "news"
	TypeWebSearch           Type = "web_search"
	TypeRAGSearch           Type = "rag_search"
	TypeYouTube             Type = "youtube"
)

// AllTypes lists every tool type in presentation order.
var AllTypes = []Type{
	TypeStockPrice, TypeFinancials, TypeTechnicalIndicators,
	TypeNews, TypeWebSearch, TypeRAGSearch, TypeYouTube,
}

// Valid reports whether t is a known tool type.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// aliases maps names models tend to produce onto tool types.
var aliases = map[string]Type{
	"stock_data":            TypeStockPrice,
	"stock_info":            TypeStockPrice,
	"price":                 TypeStockPrice,
	"financial_ratios":      TypeFinancials,
	"fundamentals":          TypeFinancials,
	"news_search":           TypeNews,
	"technical_analysis":    TypeTechnicalIndicators,
	"indicators":            TypeTechnicalIndicators,
	"youtube_transcript":    TypeYouTube,
	"video_transcript":      TypeYouTube,
	"knowledge_base":        TypeRAGSearch,
	"knowledge_base_search": TypeRAGSearch,
	"search":                TypeWebSearch,
}

// ParseType resolves a tool name or one of its aliases.
func ParseType(name string) (Type, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if t := Type(n); t.Valid() {
		return t, true
	}
	t, ok := aliases[n]
	return t, ok
}

// Params is the flat argument map of one tool call.
type Params map[string]string

// Get returns the trimmed value of key or def when it is blank.
func (p Params) Get(key, def string) string {
	if v := strings.TrimSpace(p[key]); v != "" {
		return v
	}
	return def
}

// Int returns key parsed as an int, or def.
func (p Params) Int(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(p[key]))
	if err != nil {
		return def
	}
	return v
}

// Clone copies the map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the sorted keys, handy for stable log lines.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Result is a successful adapter response.
type Result struct {
	Data          any    `json:"data"`
	CitationLabel string `json:"citation_label"`
}

// Definition describes a tool to the LLM. Parameters is a JSON schema object.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Adapter wraps one external data provider. Expected failures (unknown
// symbol, provider outage, empty result) are returned as *ToolError.
type Adapter interface {
	Type() Type
	Definition() Definition
	Invoke(ctx context.Context, params Params) (Result, error)
}

// ObjectSchema builds a JSON schema for string properties; required lists mandatory keys.
func ObjectSchema(props map[string]string, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
