package identity

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicate         = errors.New("identity already enrolled")
	ErrNotFound          = errors.New("identity not found")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrZeroVector        = errors.New("embedding has zero norm")
)

// Identity is one enrolled employee.
type Identity struct {
	EmployeeID string
	Name       string
	EnrolledAt time.Time
	// Vector is unit-norm, dimension fixed by the index.
	Vector []float32
}

// Match is one Query result.
type Match struct {
	EmployeeID string
	Score      float64
}

// Index holds enrolled identities and answers cosine-similarity queries.
// It is a flat scan: deterministic, exact, and comfortably fast for the
// enrollment sizes this system sees (hundreds, not millions). Readers run
// concurrently; writers serialize through the RWMutex.
type Index struct {
	mu  sync.RWMutex
	dim int
	ids map[string]*Identity
}

// NewIndex creates an empty index for vectors of dimension dim.
func NewIndex(dim int) *Index {
	return &Index{
		dim: dim,
		ids: make(map[string]*Identity),
	}
}

// Dim returns the fixed embedding dimension.
func (x *Index) Dim() int {
	return x.dim
}

// Len returns the number of enrolled identities.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Add enrolls a new identity. The vector is validated against the index
// dimension and normalized to unit length on ingest.
func (x *Index) Add(employeeID, name string, vec []float32) error {
	if len(vec) != x.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), x.dim)
	}
	norm, err := normalize(vec)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.ids[employeeID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, employeeID)
	}
	x.ids[employeeID] = &Identity{
		EmployeeID: employeeID,
		Name:       name,
		EnrolledAt: time.Now().UTC(),
		Vector:     norm,
	}
	return nil
}

// Remove deletes an enrolled identity.
func (x *Index) Remove(employeeID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.ids[employeeID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, employeeID)
	}
	delete(x.ids, employeeID)
	return nil
}

// Get returns a copy of the enrolled identity.
func (x *Index) Get(employeeID string) (Identity, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.ids[employeeID]
	if !ok {
		return Identity{}, false
	}
	out := *id
	out.Vector = append([]float32(nil), id.Vector...)
	return out, true
}

// Query returns the top-k matches by cosine similarity, descending. Ties
// break toward the lexicographically lower employee id so identical inputs
// always produce identical output.
func (x *Index) Query(vec []float32, k int) ([]Match, error) {
	if len(vec) != x.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), x.dim)
	}
	q, err := normalize(vec)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	matches := make([]Match, 0, len(x.ids))
	for _, id := range x.ids {
		matches = append(matches, Match{
			EmployeeID: id.EmployeeID,
			Score:      dot(q, id.Vector),
		})
	}
	x.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].EmployeeID < matches[j].EmployeeID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// All returns every enrolled identity ordered by employee id.
func (x *Index) All() []Identity {
	return x.snapshot()
}

// snapshot returns all identities ordered by employee id, for persistence.
func (x *Index) snapshot() []Identity {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Identity, 0, len(x.ids))
	for _, id := range x.ids {
		c := *id
		c.Vector = append([]float32(nil), id.Vector...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

func normalize(vec []float32) ([]float32, error) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return nil, ErrZeroVector
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / n)
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
