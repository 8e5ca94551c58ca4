package llm

import (
	"context"
	"testing"
)

type stubProvider struct {
	name  string
	calls int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p.calls++
	return &CompletionResponse{Content: "ok", Model: p.name}, nil
}

func TestRouterRoutesByTier(t *testing.T) {
	fast := &stubProvider{name: "fast"}
	deep := &stubProvider{name: "deep"}
	r := NewRouter(map[Tier]Provider{TierFast: fast, TierDeep: deep})

	resp, err := r.Complete(context.Background(), TierFast, CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "fast" || fast.calls != 1 || deep.calls != 0 {
		t.Errorf("fast tier routed to %q (fast=%d deep=%d)", resp.Model, fast.calls, deep.calls)
	}
}

func TestRouterFallsBackAcrossTiers(t *testing.T) {
	deep := &stubProvider{name: "deep"}
	r := NewRouter(map[Tier]Provider{TierDeep: deep})

	resp, err := r.Complete(context.Background(), TierFast, CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "deep" {
		t.Errorf("fallback routed to %q, want deep", resp.Model)
	}
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(nil)
	if _, err := r.Complete(context.Background(), TierDeep, CompletionRequest{}); err != ErrNoProvider {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}
