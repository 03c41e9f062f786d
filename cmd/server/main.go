package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"flashly/internal/api"
	"flashly/internal/auth"
	"flashly/internal/config"
	"flashly/internal/db"
	"flashly/internal/logging"
	"flashly/internal/services"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer conn.Close()

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL, cfg.JWTCookieSecure)
	if err != nil {
		return fmt.Errorf("session tokens: %w", err)
	}
	oauth := auth.NewOAuthManager(cfg.OAuthRedirectBase, cfg.JWTCookieSecure,
		auth.ProviderConfig{ClientID: cfg.GoogleClientID, ClientSecret: cfg.GoogleClientSecret},
		auth.ProviderConfig{ClientID: cfg.GitHubClientID, ClientSecret: cfg.GitHubClientSecret},
	)

	provider, closeProvider, err := newModelProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	params := services.GenerationParams{
		Temperature: cfg.AITemperature,
		TopP:        cfg.AITopP,
		TopK:        cfg.AITopK,
		MaxTokens:   cfg.AIMaxTokens,
	}
	generator := services.NewGenerator(provider, params, logger.With("component", "generator"))

	users := services.NewUserService(conn, logger)
	sets := services.NewStudySetService(conn, logger)
	flashcards := services.NewFlashcardService(conn, sets, logger)
	extractor := services.NewPDFExtractor(logger.With("component", "pdf"))
	ingestion := services.NewIngestionService(extractor, generator, sets, flashcards, logger.With("component", "ingestion"))

	server := api.NewServer(api.Services{
		Users:      users,
		StudySets:  sets,
		Flashcards: flashcards,
		Ingestion:  ingestion,
		Tokens:     tokens,
		OAuth:      oauth,
	}, api.Options{
		FrontendURL:       cfg.FrontendURL,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		GenerationTimeout: cfg.AIGenerationTimeout,
	}, logger.With("component", "http"))

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With", "Accept", "Origin"},
		AllowCredentials: true,
		MaxAge:           86400,
	}).Handler(server.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.AIGenerationTimeout + time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "database", cfg.DatabaseDriver, "ai_provider", cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newModelProvider picks the configured provider. A missing API key leaves
// generation disabled rather than failing startup.
func newModelProvider(ctx context.Context, cfg config.Config, logger *logging.Logger) (services.ModelProvider, func(), error) {
	noop := func() {}
	switch cfg.AIProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			logger.Warn("OPENAI_API_KEY not set; flashcard generation disabled")
			return nil, noop, nil
		}
		return services.NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIEndpoint, cfg.OpenAIModel), noop, nil
	case "gemini", "":
		if cfg.GeminiKey == "" {
			logger.Warn("GEMINI_API_KEY not set; flashcard generation disabled")
			return nil, noop, nil
		}
		p, err := services.NewGeminiProvider(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			return nil, noop, fmt.Errorf("gemini client: %w", err)
		}
		return p, func() { _ = p.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unsupported AI_PROVIDER %q", cfg.AIProvider)
	}
}
