package httpclient

import (
	"context"
	"iter"
	"net/url"
)

// PageState is the cursor carried between pagination calls: the next URL to
// fetch and any query parameters to attach.
type PageState struct {
	URL   string
	Query url.Values
}

// PageFetcher retrieves a single page for the given state.
type PageFetcher func(ctx context.Context, state PageState) (*Response, error)

// CursorFunc derives the next PageState from the response to the current
// one. ok is false once the provider reports no further pages.
type CursorFunc func(resp *Response, state PageState) (next PageState, ok bool, err error)

// Stream lazily walks a paginated API one page at a time, never buffering
// more than a single page in memory. Each page is fetched only
// when the caller asks for the next one via range-over-func.
func Stream(ctx context.Context, initial PageState, fetch PageFetcher, cursor CursorFunc) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		state := initial
		for {
			resp, err := fetch(ctx, state)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(resp, nil) {
				return
			}

			next, ok, err := cursor(resp, state)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			state = next
		}
	}
}
