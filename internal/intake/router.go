package intake

import (
	"context"
	"fmt"
	"strings"

	"github.com/scoutdata/pipeline/internal/pipeline"
)

// RouterFetcher dispatches content refs to a fetcher by URI scheme, so the
// processor can resolve uploads and bucket objects through one interface.
type RouterFetcher struct {
	routes map[string]pipeline.ContentFetcher
}

// NewRouterFetcher builds a router over scheme→fetcher routes. Nil fetchers
// are dropped so optional backends can be passed straight through.
func NewRouterFetcher(routes map[string]pipeline.ContentFetcher) *RouterFetcher {
	r := &RouterFetcher{routes: make(map[string]pipeline.ContentFetcher, len(routes))}
	for scheme, fetcher := range routes {
		if fetcher != nil {
			r.routes[scheme] = fetcher
		}
	}
	return r
}

// Fetch resolves contentRef through the fetcher registered for its scheme.
func (r *RouterFetcher) Fetch(ctx context.Context, contentRef string) ([]byte, error) {
	scheme, _, ok := strings.Cut(contentRef, "://")
	if !ok {
		return nil, fmt.Errorf("content ref %q has no scheme", contentRef)
	}
	fetcher, ok := r.routes[scheme]
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for scheme %q", scheme)
	}
	return fetcher.Fetch(ctx, contentRef)
}
