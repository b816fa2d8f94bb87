package cache

import (
	"context"
)

// KeyIterator walks keys matching a pattern, paging through SCAN cursors
// internally so callers see a plain sequence. Each iterator starts from
// cursor zero and is exhausted once Next returns false.
type KeyIterator struct {
	client   *Client
	pattern  string
	pageSize int64

	cursor uint64
	buf    []string
	done   bool
	err    error
}

// ScanKeys returns a fresh iterator over keys matching pattern.
func (c *Client) ScanKeys(pattern string, pageSize int64) *KeyIterator {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &KeyIterator{
		client:   c,
		pattern:  pattern,
		pageSize: pageSize,
	}
}

// Next advances the iterator. It returns the next key and true, or a zero
// key and false when the scan is finished or failed (check Err).
func (it *KeyIterator) Next(ctx context.Context) (string, bool) {
	for len(it.buf) == 0 {
		if it.done || it.err != nil {
			return "", false
		}

		keys, cursor, err := it.client.client.Scan(ctx, it.cursor, it.pattern, it.pageSize).Result()
		if err != nil {
			it.err = err
			return "", false
		}

		it.cursor = cursor
		it.buf = keys
		if cursor == 0 {
			it.done = true
		}
	}

	key := it.buf[0]
	it.buf = it.buf[1:]
	return key, true
}

// Err reports a scan failure, if any.
func (it *KeyIterator) Err() error {
	return it.err
}

// CollectKeys drains an iterator up to max keys. A max of zero means no
// bound beyond the keyspace itself.
func CollectKeys(ctx context.Context, it *KeyIterator, max int) ([]string, error) {
	var keys []string
	for {
		if max > 0 && len(keys) >= max {
			return keys, nil
		}
		key, ok := it.Next(ctx)
		if !ok {
			return keys, it.Err()
		}
		keys = append(keys, key)
	}
}
