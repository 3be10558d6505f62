package domain

// ChunkHandle is a chunk produced by the indexing collaborator. The embedding is owned by
// that collaborator; the forensics core only reads it.
type ChunkHandle struct {
	ChunkID    string    `json:"chunk_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// ChunkStatistic holds the per-chunk measurements. The vector is referenced, not duplicated.
type ChunkStatistic struct {
	ChunkID       string    `json:"chunk_id"`
	Length        int       `json:"length"`
	Entropy       float64   `json:"entropy"`
	EmbeddingNorm float64   `json:"embedding_norm"`
	Embedding     []float32 `json:"-"`
}
