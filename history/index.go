package history

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/driftsql/driftsql/model"
)

// Index is an in-memory inverted index over archived records, answering
// membership queries (by user, by final state) as posting sets of record
// sequence numbers. It does not persist; rebuild it by replaying the store
// if needed across restarts.
//
// Index is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	all     *roaring.Bitmap
	byUser  map[string]*roaring.Bitmap
	byState map[model.QueryState]*roaring.Bitmap
	names   map[uint32]string
}

// AnyState matches every final state in Filter.
const AnyState model.QueryState = -1

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		all:     roaring.New(),
		byUser:  make(map[string]*roaring.Bitmap),
		byState: make(map[model.QueryState]*roaring.Bitmap),
		names:   make(map[uint32]string),
	}
}

// Add indexes one archived record under its store name.
func (ix *Index) Add(rec Record, name string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	seq := rec.Seq
	ix.all.Add(seq)
	ix.names[seq] = name

	user := rec.Info.User
	bm, ok := ix.byUser[user]
	if !ok {
		bm = roaring.New()
		ix.byUser[user] = bm
	}
	bm.Add(seq)

	bm, ok = ix.byState[rec.Info.State]
	if !ok {
		bm = roaring.New()
		ix.byState[rec.Info.State] = bm
	}
	bm.Add(seq)
}

// Filter selects archived records. Empty user matches all users; a negative
// state matches all states. The returned store names are ordered by record
// sequence, i.e. by archive order.
func (ix *Index) Filter(user string, state model.QueryState) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	result := ix.all
	if user != "" {
		bm, ok := ix.byUser[user]
		if !ok {
			return nil
		}
		result = roaring.And(result, bm)
	}
	if state >= 0 {
		bm, ok := ix.byState[state]
		if !ok {
			return nil
		}
		result = roaring.And(result, bm)
	}

	names := make([]string, 0, result.GetCardinality())
	it := result.Iterator()
	for it.HasNext() {
		names = append(names, ix.names[it.Next()])
	}
	return names
}

// Len returns the number of indexed records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return int(ix.all.GetCardinality())
}
