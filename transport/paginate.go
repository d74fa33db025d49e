package transport

import (
	"context"
	"iter"

	"keepersecurity.com/gws-admin/errdefs"
)

// PageFunc fetches one page of wire items for the continuation token
// ("" for the first page) and returns the next token ("" when done).
type PageFunc[W any] func(ctx context.Context, token string) (items []W, next string, err error)

// Paginate turns a page fetcher into a lazy, single-pass sequence. Each page
// request goes through the retrier; conversion failures end the sequence.
// The sequence stops after limit items when limit > 0.
func Paginate[W, T any](ctx context.Context, r *Retrier, op, resource string, limit int,
	fetch PageFunc[W], convert func(W) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		var token string
		var produced int
		for {
			var items []W
			var next string
			var err = r.Do(ctx, op, resource, func(actx context.Context) (e error) {
				items, next, e = fetch(actx, token)
				return
			})
			if err != nil {
				yield(zero, err)
				return
			}
			for _, w := range items {
				var t T
				if t, err = convert(w); err != nil {
					yield(zero, errdefs.BadRequest(resource, err.Error()))
					return
				}
				if !yield(t, nil) {
					return
				}
				produced++
				if limit > 0 && produced >= limit {
					return
				}
			}
			if next == "" {
				return
			}
			if err = ctx.Err(); err != nil {
				yield(zero, errdefs.Cancelled(op, err))
				return
			}
			token = next
		}
	}
}
