// Package embedding fetches cached text embeddings and compares them.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/everstacklabs/evalcore/internal/cache"
	"github.com/everstacklabs/evalcore/internal/dispatch"
	"github.com/everstacklabs/evalcore/internal/llm"
	"github.com/everstacklabs/evalcore/internal/provider"
)

// Namespace is the cache namespace holding embedding vectors.
const Namespace = "embeddings"

// Service returns embeddings for text, consulting the cache first. Network
// calls go through the dispatcher so they share the provider's gate and
// limiter with chat calls.
type Service struct {
	embedders  map[string]llm.Embedder
	dispatcher *dispatch.Dispatcher
	cache      *cache.Namespace
	timeout    time.Duration
}

// NewService creates an embedding service. embedders is keyed by provider
// name; store may be nil to disable caching.
func NewService(embedders map[string]llm.Embedder, dispatcher *dispatch.Dispatcher, store *cache.Cache, timeout time.Duration) *Service {
	s := &Service{
		embedders:  embedders,
		dispatcher: dispatcher,
		timeout:    timeout,
	}
	if store != nil {
		s.cache = store.Namespace(Namespace)
	}
	return s
}

type cacheKey struct {
	TextHash string `json:"text_hash"`
	Model    string `json:"model"`
}

// Get returns the embedding of text under model, e.g.
// "openai:text-embedding-3-small". Failures are returned as the classified
// outcome error so callers can tell retryable from fatal.
func (s *Service) Get(ctx context.Context, text, model string) ([]float64, error) {
	h := sha256.Sum256([]byte(text))
	key, err := cache.Key(cacheKey{TextHash: hex.EncodeToString(h[:]), Model: model})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		var vec []float64
		if s.cache.GetJSON(ctx, key, &vec) {
			return vec, nil
		}
	}

	providerName := provider.ProviderOf(model)
	embedder, ok := s.embedders[providerName]
	if !ok {
		return nil, llm.Fatal{Cause: fmt.Errorf("%w: %s", dispatch.ErrUnknownProvider, providerName)}
	}

	var vec []float64
	outcome := s.dispatcher.Do(ctx, providerName, s.timeout, func(ctx context.Context) error {
		var err error
		vec, err = embedder.Embed(ctx, provider.ModelName(model), text)
		return err
	})
	if err := llm.Err(outcome); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetJSON(context.WithoutCancel(ctx), key, vec)
	}
	return vec, nil
}
