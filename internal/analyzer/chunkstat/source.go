package chunkstat

import (
	"context"
	"sort"
	"sync"

	"github.com/cloo-solutions/forensix/internal/domain"
)

// ChunkSource supplies the chunks the indexing collaborator produced for an artifact.
type ChunkSource interface {
	Chunks(ctx context.Context, artifactID string) ([]domain.ChunkHandle, error)
}

// InlineChunkSource holds chunks submitted together with an artifact.
type InlineChunkSource struct {
	mu     sync.RWMutex
	chunks map[string][]domain.ChunkHandle
}

// NewInlineChunkSource creates an empty in-memory source.
func NewInlineChunkSource() *InlineChunkSource {
	return &InlineChunkSource{chunks: make(map[string][]domain.ChunkHandle)}
}

// Put replaces the chunks stored for an artifact.
func (s *InlineChunkSource) Put(artifactID string, chunks []domain.ChunkHandle) {
	cp := make([]domain.ChunkHandle, len(chunks))
	copy(cp, chunks)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].ChunkIndex < cp[j].ChunkIndex })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[artifactID] = cp
}

// Delete drops the chunks of an artifact.
func (s *InlineChunkSource) Delete(artifactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, artifactID)
}

func (s *InlineChunkSource) Chunks(ctx context.Context, artifactID string) ([]domain.ChunkHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunks[artifactID], nil
}

// MultiSource returns the chunks of the first source that has any.
type MultiSource []ChunkSource

func (m MultiSource) Chunks(ctx context.Context, artifactID string) ([]domain.ChunkHandle, error) {
	for _, src := range m {
		if src == nil {
			continue
		}
		chunks, err := src.Chunks(ctx, artifactID)
		if err != nil {
			return nil, err
		}
		if len(chunks) > 0 {
			return chunks, nil
		}
	}
	return nil, nil
}
