package db

import (
	"context"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/types"
)

// Scanner is the part of DB a range search needs.
type Scanner interface {
	Scan(lower, upper []byte) (Iterator, error)
}

// SearchOptions bound a range search.
type SearchOptions struct {
	// Limit caps the number of results; zero means no limit.
	Limit int
}

// SearchResult is one key-value pair of a range search.
type SearchResult struct {
	Key   types.Key
	Value types.Value
}

// SearchCallback receives each result. Returning ErrStopSearch ends the
// search without error; any other error aborts it.
type SearchCallback func(SearchResult) error

var ErrStopSearch = errors.New("stop search")

// SearchRange calls cb for every key in [start, end) in ascending order.
// Keys and values passed to cb are copies.
func SearchRange(ctx context.Context, d Scanner, start, end types.Key, opts SearchOptions, cb SearchCallback) error {
	it, err := d.Scan(start, end)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for it.First(); it.Valid(); it.Next() {
		if opts.Limit > 0 && count >= opts.Limit {
			break
		}
		if count%256 == 0 {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "search cancelled")
			}
		}
		res := SearchResult{
			Key:   append(types.Key(nil), it.Key()...),
			Value: append(types.Value(nil), it.Value()...),
		}
		if err := cb(res); err != nil {
			if errors.Is(err, ErrStopSearch) {
				return nil
			}
			return err
		}
		count++
	}
	return it.Error()
}

// Collect returns every result of a range search.
func Collect(ctx context.Context, d Scanner, start, end types.Key, opts SearchOptions) ([]SearchResult, error) {
	var out []SearchResult
	err := SearchRange(ctx, d, start, end, opts, func(r SearchResult) error {
		out = append(out, r)
		return nil
	})
	return out, err
}
