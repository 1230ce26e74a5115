package provider

import (
	"context"
	"net/http"
	"sort"

	"github.com/howard-nolan/modelgate/internal/gwerr"
	"github.com/howard-nolan/modelgate/internal/transport"
)

// Cohere implements Handle for Cohere's rerank API.
type Cohere struct {
	base
}

const cohereBaseURL = "https://api.cohere.com"

// NewCohere creates a Cohere handle.
func NewCohere(s Settings, d Deps) *Cohere {
	return &Cohere{base: newBase(s, d, cohereBaseURL, transport.Bearer, nil)}
}

// Capabilities reports reranking and model listing.
func (c *Cohere) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapRerank, CapListModels)
}

type cohereRerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type cohereRerankResponse struct {
	ID      string `json:"id"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank calls POST /v2/rerank. Results come back by descending relevance;
// Index points into req.Documents.
func (c *Cohere) Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error) {
	key, err := c.credential()
	if err != nil {
		return nil, err
	}
	if len(req.Documents) == 0 {
		return nil, gwerr.New(gwerr.KindInvalidArgument, "rerank needs at least one document")
	}
	payload, err := transport.MergeOptions(&cohereRerankRequest{
		Model:     req.Model,
		Query:     req.Query,
		Documents: req.Documents,
		TopN:      req.TopN,
	}, req.Options)
	if err != nil {
		return nil, err
	}

	var resp cohereRerankResponse
	if err := c.client.JSON(ctx, http.MethodPost, "/v2/rerank", key, payload, &resp); err != nil {
		return nil, err
	}

	out := &RerankResponse{ID: resp.ID}
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(req.Documents) {
			return nil, gwerr.Protocol(c.Provider, "rerank result index out of range")
		}
		out.Results = append(out.Results, RerankResult{Index: r.Index, Score: r.RelevanceScore, Document: req.Documents[r.Index]})
	}
	sort.SliceStable(out.Results, func(i, j int) bool { return out.Results[i].Score > out.Results[j].Score })
	return out, nil
}

// ListModels calls GET /v1/models filtered to rerank models.
func (c *Cohere) ListModels(ctx context.Context) ([]ModelSummary, error) {
	key, err := c.credential()
	if err != nil {
		return nil, err
	}

	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.client.JSON(ctx, http.MethodGet, "/v1/models?endpoint=rerank", key, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]ModelSummary, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelSummary{Provider: c.Provider, ID: m.Name, OwnedBy: "cohere"})
	}
	return out, nil
}
