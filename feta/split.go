package feta

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// Split shuffles subject indices [0, n) with seed and returns a training and
// a validation set, the latter holding round(n*validFrac) subjects. Both sets
// are sorted.
func Split(n int, validFrac float64, seed int64) (train, valid []int, err error) {
	if n <= 0 {
		return nil, nil, errors.Errorf("invalid number of subjects %d", n)
	}
	if validFrac < 0 || validFrac >= 1 {
		return nil, nil, errors.Errorf("validation fraction must be in [0, 1), got %v", validFrac)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nValid := int(math.Round(float64(n) * validFrac))

	valid = append([]int{}, perm[:nValid]...)
	train = append([]int{}, perm[nValid:]...)
	sort.Ints(valid)
	sort.Ints(train)

	return train, valid, nil
}
