package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// RemoteConfig configures the external NLP similarity service client.
type RemoteConfig struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	BreakerMaxFails  uint32        `yaml:"breaker_max_fails"`  // consecutive failures before the breaker opens
	BreakerOpenFor   time.Duration `yaml:"breaker_open_for"`   // how long the breaker stays open
	FallbackToLocal  bool          `yaml:"fallback_to_local"`  // degrade to the shingle scorer when open
}

// DefaultRemoteConfig returns conservative client defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Timeout:         5 * time.Second,
		BreakerMaxFails: 5,
		BreakerOpenFor:  30 * time.Second,
		FallbackToLocal: true,
	}
}

type scoreRequest struct {
	TextA string `json:"text_a"`
	TextB string `json:"text_b"`
}

type scoreResponse struct {
	Similarity float64 `json:"similarity"`
}

// RemoteScorer calls the external NLP similarity service through a circuit
// breaker. When the breaker is open it optionally degrades to the local
// deterministic scorer instead of failing the whole similarity scan.
type RemoteScorer struct {
	config   RemoteConfig
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	fallback Scorer
}

// NewRemoteScorer creates a breaker-wrapped client for the similarity service.
func NewRemoteScorer(config RemoteConfig) *RemoteScorer {
	rs := &RemoteScorer{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
	if config.FallbackToLocal {
		rs.fallback = NewShingleScorer(3)
	}
	rs.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "similarity-nlp",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerMaxFails
		},
		Timeout: config.BreakerOpenFor,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("similarity service breaker state change")
		},
	})
	return rs
}

func (rs *RemoteScorer) Score(ctx context.Context, aID, aText, bID, bText string) (float64, error) {
	result, err := rs.breaker.Execute(func() (interface{}, error) {
		return rs.call(ctx, aText, bText)
	})
	if err != nil {
		if rs.fallback != nil {
			log.Debug().Err(err).Str("pair", PairKey(aID, bID)).Msg("remote scorer unavailable, using local fallback")
			return rs.fallback.Score(ctx, aID, aText, bID, bText)
		}
		return 0, fmt.Errorf("similarity service: %w", err)
	}
	return result.(float64), nil
}

func (rs *RemoteScorer) call(ctx context.Context, aText, bText string) (float64, error) {
	body, err := json.Marshal(scoreRequest{TextA: aText, TextB: bText})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rs.config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rs.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call similarity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("similarity service returned %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if out.Similarity < 0 || out.Similarity > 1 {
		return 0, fmt.Errorf("similarity service returned out-of-range score %f", out.Similarity)
	}
	return out.Similarity, nil
}
