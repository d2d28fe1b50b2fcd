// Package dutil provides batching helpers to feed datasets into training loops.
package dutil

import (
	"math/rand"
	"reflect"
	"time"

	"github.com/pkg/errors"
)

// Dataset is an indexed collection of items.
type Dataset interface {
	Len() int
	Item(idx int) (interface{}, error)
}

// BatchSampler splits dataset indices into batches.
type BatchSampler struct {
	size      int
	batchSize int
	dropLast  bool
	shuffle   bool
	rng       *rand.Rand
	groups    [][]int
	batches   [][]int
}

// NewBatchSampler creates a sampler over indices [0, size). When dropLast is
// set a trailing incomplete batch is discarded; when shuffle is set indices
// are reshuffled on every Reset.
func NewBatchSampler(size, batchSize int, dropLast, shuffle bool, seedOpt ...int64) (*BatchSampler, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid dataset size %d", size)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	seed := time.Now().UnixNano()
	if len(seedOpt) > 0 {
		seed = seedOpt[0]
	}

	s := &BatchSampler{
		size:      size,
		batchSize: batchSize,
		dropLast:  dropLast,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}
	s.Reset()
	if len(s.batches) == 0 {
		return nil, errors.Errorf("batch size %d larger than dataset size %d with dropLast", batchSize, size)
	}

	return s, nil
}

// NewGroupedBatchSampler creates a sampler that visits groups of indices one
// after the other. With shuffle set, the group order and the order inside
// each group are reshuffled on every Reset, but a group's indices stay
// contiguous. Batches may span a group boundary.
func NewGroupedBatchSampler(groups [][]int, batchSize int, dropLast, shuffle bool, seedOpt ...int64) (*BatchSampler, error) {
	size, count := 0, 0
	for _, g := range groups {
		for _, idx := range g {
			if idx < 0 {
				return nil, errors.Errorf("invalid index %d", idx)
			}
			if idx >= size {
				size = idx + 1
			}
			count++
		}
	}
	if count == 0 {
		return nil, errors.New("no indices to sample")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	seed := time.Now().UnixNano()
	if len(seedOpt) > 0 {
		seed = seedOpt[0]
	}

	s := &BatchSampler{
		size:      size,
		batchSize: batchSize,
		dropLast:  dropLast,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		groups:    groups,
	}
	s.Reset()
	if len(s.batches) == 0 {
		return nil, errors.Errorf("batch size %d larger than %d indices with dropLast", batchSize, count)
	}

	return s, nil
}

func (s *BatchSampler) order() []int {
	if s.groups == nil {
		if s.shuffle {
			return s.rng.Perm(s.size)
		}
		indices := make([]int, s.size)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}

	var indices []int
	groupOrder := make([]int, len(s.groups))
	for i := range groupOrder {
		groupOrder[i] = i
	}
	if s.shuffle {
		groupOrder = s.rng.Perm(len(s.groups))
	}
	for _, gi := range groupOrder {
		g := append([]int{}, s.groups[gi]...)
		if s.shuffle {
			s.rng.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
		}
		indices = append(indices, g...)
	}
	return indices
}

// Reset rebuilds the batches, reshuffling if enabled.
func (s *BatchSampler) Reset() {
	indices := s.order()
	n := len(indices)

	s.batches = s.batches[:0]
	for start := 0; start < n; start += s.batchSize {
		end := start + s.batchSize
		if end > n {
			if s.dropLast {
				break
			}
			end = n
		}
		s.batches = append(s.batches, indices[start:end])
	}
}

// Batches returns the current batches.
func (s *BatchSampler) Batches() [][]int {
	return s.batches
}

// Len returns the number of batches.
func (s *BatchSampler) Len() int {
	return len(s.batches)
}

// DataLoader iterates a Dataset batch by batch.
type DataLoader struct {
	dataset Dataset
	sampler *BatchSampler
	next    int
}

// NewDataLoader creates a DataLoader.
func NewDataLoader(ds Dataset, s *BatchSampler) (*DataLoader, error) {
	if ds == nil || s == nil {
		return nil, errors.New("dataset and sampler are required")
	}
	if s.size > ds.Len() {
		return nil, errors.Errorf("sampler size %d exceeds dataset size %d", s.size, ds.Len())
	}
	return &DataLoader{dataset: ds, sampler: s}, nil
}

// HasNext reports whether another batch is available.
func (dl *DataLoader) HasNext() bool {
	return dl.next < dl.sampler.Len()
}

// Next loads the next batch and returns it as a slice of the dataset's item
// type, e.g. []feta.SliceSample.
func (dl *DataLoader) Next() (interface{}, error) {
	if !dl.HasNext() {
		return nil, errors.New("no more batches")
	}
	indices := dl.sampler.Batches()[dl.next]
	dl.next++

	var batch reflect.Value
	for i, idx := range indices {
		item, err := dl.dataset.Item(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load item %d", idx)
		}
		if i == 0 {
			batch = reflect.MakeSlice(reflect.SliceOf(reflect.TypeOf(item)), 0, len(indices))
		}
		batch = reflect.Append(batch, reflect.ValueOf(item))
	}

	return batch.Interface(), nil
}

// Reset rewinds the loader and reshuffles the sampler.
func (dl *DataLoader) Reset() {
	dl.sampler.Reset()
	dl.next = 0
}

// Len returns the number of batches per epoch.
func (dl *DataLoader) Len() int {
	return dl.sampler.Len()
}
