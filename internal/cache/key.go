package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/everstacklabs/evalcore/internal/llm"
)

// Key returns the sha256 hex digest of payload's canonical JSON form.
// Object keys are sorted at every depth and null fields are dropped, so two
// payloads that differ only in field order or absent optionals share a key.
func Key(payload any) (string, error) {
	data, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

func canonicalJSON(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling cache key payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding cache key payload: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(dropNulls(v))
	if err != nil {
		return nil, fmt.Errorf("encoding canonical payload: %w", err)
	}
	return out, nil
}

func dropNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if inner == nil {
				delete(t, k)
				continue
			}
			t[k] = dropNulls(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = dropNulls(inner)
		}
		return t
	default:
		return v
	}
}

// callKey lists exactly the fields that define a call's result.
type callKey struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
	Purpose     string        `json:"purpose,omitempty"`
}

// RequestKey derives the cache key for a call. A bare prompt and the
// equivalent single user message produce the same key. Timeouts, token
// limits and the cache flag itself do not participate.
func RequestKey(r *llm.Request) (string, error) {
	return Key(callKey{
		Model:       r.ModelID,
		Messages:    r.Conversation(),
		System:      r.SystemPrompt,
		Temperature: r.Temperature,
		Seed:        r.Seed,
		Purpose:     r.Purpose,
	})
}
