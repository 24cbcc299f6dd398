package mesh

import (
	"context"
)

// GetAs reads key and decodes its data into a T.
func GetAs[T any](ctx context.Context, s *Store, key, namespace string) (T, bool, error) {
	var out T
	entry, found, err := s.Get(ctx, key, namespace)
	if err != nil || !found {
		return out, found, err
	}
	if err := entry.Decode(&out); err != nil {
		return out, false, newError(ErrCorrupted, opGet, key, namespace, err)
	}
	return out, true, nil
}
