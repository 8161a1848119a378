package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/workdeck/types"
)

// SearchProvider defines the interface for web search backends.
// Implementations can wrap SearchXNG, SerpAPI, Tavily, or any local search
// service; the tool contract stays the same.
type SearchProvider interface {
	// Search performs a web search and returns ranked results.
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
	// Name returns the provider name.
	Name() string
}

// SearchResult represents a single search result.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type webSearchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type webSearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// RegisterWebSearchTool registers a web_search tool backed by the given
// provider, rate-limited to keep a misbehaving loop from hammering the backend.
func RegisterWebSearchTool(reg *Registry, provider SearchProvider) error {
	schema := types.ToolSchema{
		Name:        "web_search",
		Description: "Search the web and return titles, URLs, and snippets for the top results.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"},"max_results":{"type":"integer","description":"Maximum results to return (default 5)"}},"required":["query"]}`),
		Enabled:     true,
		Category:    "web",
	}
	return reg.Register(schema, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args webSearchArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("web_search: invalid arguments: %w", err)
		}
		if args.Query == "" {
			return "", fmt.Errorf("web_search: query is required")
		}
		if args.MaxResults <= 0 {
			args.MaxResults = 5
		}

		results, err := provider.Search(ctx, args.Query, args.MaxResults)
		if err != nil {
			return "", fmt.Errorf("web_search via %s failed: %w", provider.Name(), err)
		}

		out, err := json.Marshal(webSearchResponse{
			Query:   args.Query,
			Results: results,
			Count:   len(results),
		})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}, WithTimeout(15*time.Second), WithRateLimit(30, time.Minute))
}
