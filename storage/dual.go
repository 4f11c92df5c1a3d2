package storage

import "context"

// DualStore fans out writes to both a primary and secondary Store and reads
// from primary, falling back to secondary on a miss. This backs
// outputMode=dual, where local disk stays the fast path and S3 the durable
// mirror.
type DualStore struct {
	Primary   Store
	Secondary Store
}

// NewDual wraps two stores as one fan-out Store.
func NewDual(primary, secondary Store) *DualStore {
	return &DualStore{Primary: primary, Secondary: secondary}
}

func (d *DualStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := d.Primary.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	return d.Secondary.Get(ctx, key)
}

func (d *DualStore) Put(ctx context.Context, key string, data []byte) error {
	if err := d.Primary.Put(ctx, key, data); err != nil {
		return err
	}
	return d.Secondary.Put(ctx, key, data)
}

func (d *DualStore) Delete(ctx context.Context, key string) error {
	if err := d.Primary.Delete(ctx, key); err != nil {
		return err
	}
	return d.Secondary.Delete(ctx, key)
}

func (d *DualStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := d.Primary.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return d.Secondary.Exists(ctx, key)
}

// List merges keys from both stores, de-duplicating entries present in both.
func (d *DualStore) List(ctx context.Context, prefix string) ([]string, error) {
	primaryKeys, err := d.Primary.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	secondaryKeys, err := d.Secondary.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(primaryKeys))
	merged := make([]string, 0, len(primaryKeys)+len(secondaryKeys))
	for _, k := range primaryKeys {
		seen[k] = true
		merged = append(merged, k)
	}
	for _, k := range secondaryKeys {
		if !seen[k] {
			merged = append(merged, k)
		}
	}
	return merged, nil
}
