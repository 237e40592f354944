package port

// StoredItem is the canonical record shape the index backend persists.
// There is exactly one schema; adapters translate at the boundary rather
// than guessing shapes in core logic.
type StoredItem struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Seq is the insertion sequence number, assigned by the store on
	// first insert and kept across upserts. Used to break score ties.
	Seq uint64 `json:"seq"`
}

// SearchMatch is one ranked hit from an index store.
type SearchMatch struct {
	ID       string
	Score    float64
	Distance float64
	Text     string
	Metadata map[string]string
	Seq      uint64
}

// IndexStore persists vectors for one index and ranks them against a
// query. Upserted items are staged and only become searchable after a
// successful Rebuild, so an in-flight batch is never partially visible
// to a concurrent search.
type IndexStore interface {
	// Upsert stages items, inserting or replacing by ID. The whole
	// batch is applied atomically or not at all.
	Upsert(items []StoredItem) error

	// Rebuild makes all staged items searchable. The index train step.
	Rebuild() error

	// Search returns up to k matches ordered by descending score, ties
	// broken by ascending insertion sequence. Searching an empty store
	// returns no matches and no error.
	Search(query []float32, k int) ([]SearchMatch, error)

	// Count returns the number of searchable items.
	Count() (int, error)

	// Pending returns the number of staged, not yet searchable items.
	Pending() int

	// Clear removes all items, staged and searchable.
	Clear() error

	// Close releases backing resources.
	Close() error
}
