package policyscan

import (
	"context"
	"fmt"

	"github.com/Schravenralph/PolicyScan-sub014/pool"
)

// ActionScrapeWebsites is the registry name for the built-in scraping step.
const ActionScrapeWebsites = "scrape-websites"

// ScrapeAction builds a step action that fans a URL list into the worker
// pool. URLs come from the step's "urls" param or, when absent, from the
// run context's accepted candidate ids of an earlier review. The step
// result is the pool's batch result; individual task failures do not fail
// the step.
func ScrapeAction(p *pool.Pool, fetch pool.TaskFunc, progress pool.ProgressFunc) StepAction {
	return func(ctx context.Context, in StepInput) (any, error) {
		urls, err := scrapeURLs(in)
		if err != nil {
			return nil, err
		}
		result := p.Run(ctx, urls, fetch, progress)
		return result, nil
	}
}

func scrapeURLs(in StepInput) ([]string, error) {
	if raw, ok := in.Params["urls"]; ok {
		urls, err := toStringSlice(raw)
		if err != nil {
			return nil, NewValidationError("step %s: invalid urls param: %v", in.StepID, err)
		}
		if len(urls) == 0 {
			return nil, NewValidationError("step %s: urls param is empty", in.StepID)
		}
		return urls, nil
	}
	if in.Context != nil && len(in.Context.AcceptedCandidateIDs) > 0 {
		return append([]string(nil), in.Context.AcceptedCandidateIDs...), nil
	}
	return nil, NewValidationError("step %s: no urls to scrape", in.StepID)
}

func toStringSlice(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, not string", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list of strings, got %T", raw)
}
