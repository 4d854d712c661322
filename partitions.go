package offlinecache

import (
	"errors"
	"fmt"

	"github.com/always-cache/offline-cache/cache"
)

// Purpose identifies one of the three partitions of a version.
type Purpose string

const (
	// Critical install-time assets, and fonts.
	PurposeCore Purpose = "core"
	// Dynamic content: documents, scripts, styles and everything else.
	PurposeRuntime Purpose = "runtime"
	// Bitmap and vector images.
	PurposeImages Purpose = "images"
)

var purposes = []Purpose{PurposeCore, PurposeRuntime, PurposeImages}

// PartitionSet is the set of partitions authoritative for one version.
// It is constructed once per worker and only reads its names afterwards.
type PartitionSet struct {
	storage cache.Storage
	names   map[Purpose]string
}

func NewPartitionSet(storage cache.Storage, base PartitionNames, version string) PartitionSet {
	return PartitionSet{
		storage: storage,
		names: map[Purpose]string{
			PurposeCore:    base.Core + "-" + version,
			PurposeRuntime: base.Runtime + "-" + version,
			PurposeImages:  base.Images + "-" + version,
		},
	}
}

func (ps PartitionSet) Storage() cache.Storage {
	return ps.storage
}

// Name returns the versioned name of the partition for purpose.
func (ps PartitionSet) Name(purpose Purpose) string {
	return ps.names[purpose]
}

// Names returns the three current names, core first.
func (ps PartitionSet) Names() []string {
	names := make([]string, 0, len(purposes))
	for _, p := range purposes {
		names = append(names, ps.names[p])
	}
	return names
}

// IsCurrent reports whether name is one of the current partition names.
func (ps PartitionSet) IsCurrent(name string) bool {
	for _, n := range ps.names {
		if n == name {
			return true
		}
	}
	return false
}

func (ps PartitionSet) Open(purpose Purpose) (cache.Partition, error) {
	name, ok := ps.names[purpose]
	if !ok {
		return nil, fmt.Errorf("unknown partition purpose %q", purpose)
	}
	return ps.storage.Open(name)
}

// Match looks up key in the partition for first, then in the other current partitions.
// Partitions that do not exist are skipped, never created.
func (ps PartitionSet) Match(key string, first Purpose) (cache.Entry, bool, error) {
	order := []Purpose{first}
	for _, p := range purposes {
		if p != first {
			order = append(order, p)
		}
	}
	var errs []error
	for _, p := range order {
		entry, ok, err := ps.matchIn(ps.names[p], key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return entry, true, nil
		}
	}
	return cache.Entry{}, false, errors.Join(errs...)
}

// MatchIn looks up key in the partition for purpose only.
func (ps PartitionSet) MatchIn(purpose Purpose, key string) (cache.Entry, bool, error) {
	return ps.matchIn(ps.names[purpose], key)
}

func (ps PartitionSet) matchIn(name, key string) (cache.Entry, bool, error) {
	if ok, err := ps.storage.Has(name); err != nil || !ok {
		return cache.Entry{}, false, err
	}
	p, err := ps.storage.Open(name)
	if err != nil {
		return cache.Entry{}, false, err
	}
	return p.Match(key)
}

// Evict deletes every partition that is not one of the current ones.
// It returns the names of the deleted partitions.
func (ps PartitionSet) Evict() ([]string, error) {
	return ps.deleteWhere(func(name string) bool { return !ps.IsCurrent(name) })
}

// Clear deletes every partition in the storage, regardless of version.
func (ps PartitionSet) Clear() ([]string, error) {
	return ps.deleteWhere(func(string) bool { return true })
}

func (ps PartitionSet) deleteWhere(cond func(string) bool) ([]string, error) {
	names, err := ps.storage.Names()
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0)
	var errs []error
	for _, name := range names {
		if !cond(name) {
			continue
		}
		if ok, err := ps.storage.Delete(name); err != nil {
			errs = append(errs, fmt.Errorf("could not delete partition %s: %w", name, err))
		} else if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, errors.Join(errs...)
}
