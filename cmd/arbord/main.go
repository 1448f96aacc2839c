package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"arbor/internal/archive"
	"arbor/internal/chat"
	"arbor/internal/config"
	"arbor/internal/conversation"
	"arbor/internal/embeddings"
	"arbor/internal/httpapi"
	"arbor/internal/llm"
	anthropicllm "arbor/internal/llm/anthropic"
	"arbor/internal/llm/echo"
	openaillm "arbor/internal/llm/openai"
	"arbor/internal/observability"
	"arbor/internal/retrieval"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config_load_failed")
	}
	observability.Setup(cfg.LogLevel, cfg.LogPath)

	provider, chatModel := buildProvider(cfg)
	embedder := buildEmbedder(cfg)

	vectors, err := buildVectorStore(cfg, embedder)
	if err != nil {
		log.Fatal().Err(err).Msg("vector_store_init_failed")
	}
	meta, err := archive.OpenMetaStore(cfg.Archive.Path, embedder.Model())
	if err != nil {
		log.Fatal().Err(err).Msg("archive_open_failed")
	}
	arch := archive.New(vectors, meta, embedder)
	defer arch.Close()

	forest := conversation.NewForest(cfg.Buffer.MaxTurns)
	summarizer := conversation.NewSummarizer(provider, chatModel, cfg.Buffer.StartThreshold, cfg.Buffer.Interval)
	decomposer := retrieval.NewDecomposer(provider, cfg.OpenAI.DecompositionModel)
	retriever := retrieval.NewRetriever(arch, cfg.Retrieval.TopK, cfg.Retrieval.PerSubQuery,
		time.Duration(cfg.Retrieval.WindowSeconds*float64(time.Second)))

	orch := chat.NewOrchestrator(forest, arch, provider, decomposer, retriever, summarizer, chat.Config{
		ChatModel:          chatModel,
		RetrievalDefault:   cfg.Retrieval.EnabledDefault,
		MaxConcurrentTurns: cfg.MaxConcurrentTurns,
	})

	server := httpapi.NewServer(cfg.Host, cfg.Port, forest, orch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown_error")
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server_failed")
	}
	log.Info().Msg("shutdown_complete")
}

func buildProvider(cfg config.Config) (llm.Provider, string) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		log.Info().Str("model", cfg.Anthropic.Model).Msg("provider_anthropic")
		return anthropicllm.New(cfg.Anthropic), cfg.Anthropic.Model
	case "echo":
		log.Warn().Msg("provider_echo_offline")
		return echo.New(), ""
	default:
		log.Info().Str("model", cfg.OpenAI.Model).Msg("provider_openai")
		return openaillm.New(cfg.OpenAI, nil), cfg.OpenAI.Model
	}
}

func buildEmbedder(cfg config.Config) llm.Embedder {
	if cfg.Embeddings.BaseURL != "" {
		return embeddings.NewClient(cfg.Embeddings, nil)
	}
	log.Warn().Msg("no embeddings endpoint configured; using local hash embedder")
	return embeddings.NewHashEmbedder(cfg.Embeddings.Dimensions)
}

func buildVectorStore(cfg config.Config, embedder llm.Embedder) (archive.VectorStore, error) {
	if cfg.Archive.QdrantURL == "" {
		log.Warn().Msg("no qdrant configured; archive vectors are in-memory and not durable")
		return archive.NewMemoryStore(), nil
	}
	return archive.NewQdrantStore(cfg.Archive.QdrantURL, cfg.Archive.Collection, embedder.Dimension())
}
