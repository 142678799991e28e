package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/viraltrace/viraltrace/internal/compliance"
	"github.com/viraltrace/viraltrace/internal/config"
	"github.com/viraltrace/viraltrace/internal/content"
	"github.com/viraltrace/viraltrace/internal/graph"
	"github.com/viraltrace/viraltrace/internal/ingest"
	"github.com/viraltrace/viraltrace/internal/ledger"
	"github.com/viraltrace/viraltrace/internal/metrics"
	"github.com/viraltrace/viraltrace/internal/models"
	"github.com/viraltrace/viraltrace/internal/persistence"
	"github.com/viraltrace/viraltrace/internal/persistence/postgres"
	"github.com/viraltrace/viraltrace/internal/score"
	"github.com/viraltrace/viraltrace/internal/similarity"
	"github.com/viraltrace/viraltrace/internal/trace"

	httpapi "github.com/viraltrace/viraltrace/internal/interfaces/http"
)

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store := content.NewStore()
	m := metrics.NewRegistry(nil)

	// Similarity: remote scorer when configured, shingle cosine otherwise,
	// with an optional redis cache in front of either.
	var scorer similarity.Scorer = similarity.NewShingleScorer(3)
	if cfg.Remote.URL != "" {
		scorer = similarity.NewRemoteScorer(cfg.Remote)
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		scorer = similarity.NewCachedScorer(scorer, similarity.NewRedisCache(client, ""), cfg.Redis.TTL).WithMetrics(m)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("similarity cache enabled")
	}

	// Compliance: registry plus gate over the configured policy matrix.
	authorityKey, err := loadPublicKey(cfg.Compliance.AuthorityKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load authority key: %w", err)
	}
	registry := compliance.NewRegistry(authorityKey)
	gate := compliance.NewGate(registry, cfg.Compliance.Policy)

	// Ledger: signing identity, ops log for denials, optional archive sink.
	signer, verifier, err := loadSigner(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("failed to load ledger signer: %w", err)
	}

	opts := []ledger.Option{
		ledger.WithOpsLogger(opsLogger(cfg.Ledger.OpsLogPath)),
		ledger.WithMetrics(m),
	}

	pg, err := postgres.NewManager(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pg.Close()

	var health persistence.RepositoryHealth
	resumed := false
	if pg.IsEnabled() {
		health = pg.Health()
		repo := pg.Repository()
		opts = append(opts, ledger.WithArchiver(
			persistence.NewLedgerArchiver(repo.Evidence, cfg.Postgres.QueryTimeout)))

		history, err := loadLedgerHistory(repo.Evidence, cfg.Postgres.QueryTimeout)
		if err != nil {
			return fmt.Errorf("failed to load evidence archive: %w", err)
		}
		if len(history) > 0 {
			opts = append(opts, ledger.WithHistory(history))
			resumed = true
			log.Info().Uint64("tail_seq", history[len(history)-1].SequenceNumber).
				Msg("evidence chain resumed from archive")
		}

		n, err := hydratePosts(store, repo.Posts, cfg.Postgres.QueryTimeout)
		if err != nil {
			return fmt.Errorf("failed to restore posts from archive: %w", err)
		}
		if n > 0 {
			log.Info().Int("posts", n).Msg("content store restored from archive")
		}
		log.Info().Msg("postgres persistence enabled")
	}

	l := ledger.New(gate, signer, verifier, opts...)
	defer l.Close()

	// A resumed chain must verify before the service takes requests; a broken
	// archive must never be silently extended.
	if resumed {
		valid, bad, err := l.VerifyChain(1, l.Len())
		if err != nil {
			return fmt.Errorf("failed to verify resumed evidence chain: %w", err)
		}
		if !valid {
			return fmt.Errorf("resumed evidence chain is invalid at seq %d", bad)
		}
	}

	// Trace pipeline.
	builder := graph.NewBuilder(store, scorer, cfg.Builder)
	sc := score.NewScorer(cfg.Score)
	manager := trace.NewManager(builder, sc)

	// Ingestion: direct HTTP submissions share the gated collection path the
	// connector loop uses.
	ingester := ingest.NewService(cfg.Ingest, store, l, m, log.Logger)
	if pg.IsEnabled() {
		ingester.WithArchiver(persistence.NewPostsArchiver(pg.Repository().Posts, cfg.Postgres.QueryTimeout))
	}

	handlers := httpapi.NewHandlers(manager, sc, l, ingester, health, m)
	server := httpapi.NewServer(httpapi.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
		IdleTimeout:    60 * time.Second,
	}, handlers, log.Logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// loadSigner reads the hex-encoded ed25519 seed at the configured path. With
// no path configured it generates an ephemeral key, which is only acceptable
// for local runs: records signed with it cannot be verified after restart.
func loadSigner(cfg config.LedgerConfig) (ledger.Signer, ledger.Verifier, error) {
	ring := ledger.NewKeyRing()

	if cfg.PrivateKeyPath == "" {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, nil, err
		}
		ring.Register(cfg.SignerKeyID, pub)
		log.Warn().Msg("no ledger key configured, using an ephemeral signing key")
		return ledger.NewEd25519Signer(cfg.SignerKeyID, priv), ring, nil
	}

	data, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("ledger key is not valid hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("ledger key must be a %d-byte seed, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	ring.Register(cfg.SignerKeyID, priv.Public().(ed25519.PublicKey))
	return ledger.NewEd25519Signer(cfg.SignerKeyID, priv), ring, nil
}

// loadPublicKey reads a hex-encoded ed25519 public key. An empty path
// disables issuing-signature verification.
func loadPublicKey(path string) (ed25519.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("authority key is not valid hex: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("authority key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(key), nil
}

// loadLedgerHistory pulls the full archived evidence chain so a restarted
// ledger resumes at the archived tail instead of re-anchoring at the genesis
// hash.
func loadLedgerHistory(repo persistence.EvidenceRepo, timeout time.Duration) ([]models.EvidenceRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	latest, err := repo.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	return repo.Range(ctx, 1, latest.SequenceNumber)
}

// hydratePosts reloads archived posts into the in-memory store, paging by
// creation time. Upsert is idempotent keyed by post id, so the overlap at
// page boundaries is harmless.
func hydratePosts(store *content.Store, repo persistence.PostsRepo, timeout time.Duration) (int, error) {
	const pageSize = 1000

	var window persistence.TimeRange
	window.To = time.Now().UTC()

	total := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		posts, err := repo.ListBetween(ctx, window, pageSize)
		cancel()
		if err != nil {
			return total, err
		}
		if len(posts) == 0 {
			return total, nil
		}
		for _, p := range posts {
			isNew, err := store.Upsert(p)
			if err != nil {
				return total, fmt.Errorf("failed to restore post %s: %w", p.ID, err)
			}
			if isNew {
				total++
			}
		}
		if len(posts) < pageSize {
			return total, nil
		}
		last := posts[len(posts)-1].CreatedAt
		if !last.After(window.From) {
			// A full page at one instant cannot advance the cursor.
			return total, nil
		}
		window.From = last
	}
}

// opsLogger builds the non-evidentiary operational logger. Denied compliance
// attempts go here, never into the evidentiary chain.
func opsLogger(path string) zerolog.Logger {
	if path == "" {
		return log.With().Str("log", "ops").Logger()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to open ops log, falling back to stderr")
		return log.With().Str("log", "ops").Logger()
	}
	return zerolog.New(f).With().Timestamp().Str("log", "ops").Logger()
}
