package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parakeet-chat/parakeet/pkg/markov"
)

func newServeCmd(env cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Ollama-compatible HTTP API and background worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, env, true)
			if err != nil {
				return err
			}
			defer a.close()
			return runServer(cmd.Context(), a)
		},
	}
}

// Server serves the Ollama-style API over the shared app state. The
// model is mutated by request-path training, so all model access is
// serialized behind mu; the store manages its own transactions.
type Server struct {
	app *app
	mu  sync.Mutex
	mux *http.ServeMux
}

func NewServer(a *app) *Server {
	s := &Server{app: a, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /api/generate", s.handleGenerate)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("POST /api/compact", s.handleCompact)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

func runServer(ctx context.Context, a *app) error {
	s := NewServer(a)

	worker := NewWorker(a)
	if err := worker.Start(); err != nil {
		return fmt.Errorf("error starting background worker: %w", err)
	}
	defer worker.Stop()

	httpServer := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", slog.String("addr", a.cfg.ListenAddr))
		var err error
		if a.cfg.TLSCertPath != "" && a.cfg.TLSKeyPath != "" {
			err = httpServer.ListenAndServeTLS(a.cfg.TLSCertPath, a.cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	case sig := <-stop:
		a.logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// generateRequest mirrors the Ollama /api/generate request shape.
type generateRequest struct {
	Model   string           `json:"model"`
	Prompt  string           `json:"prompt"`
	Stream  bool             `json:"stream"`
	Options *generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature *float64 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	NumPredict  *int     `json:"num_predict"`
}

type generateResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Response  string    `json:"response"`
	Done      bool      `json:"done"`
}

// chatRequest mirrors the Ollama /api/chat request shape.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []chatMessage    `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  *generateOptions `json:"options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model     string      `json:"model"`
	CreatedAt time.Time   `json:"created_at"`
	Message   chatMessage `json:"message"`
	Done      bool        `json:"done"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	response, err := s.trainAndGenerate(r.Context(), "generate", req.Prompt, req.Options)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
		Response:  response,
		Done:      true,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var lastUser string
	for _, msg := range req.Messages {
		if msg.Role != "user" || msg.Content == "" {
			continue
		}
		lastUser = msg.Content
		if err := s.ingest(r.Context(), "api", "chat", msg.Content); err != nil {
			s.app.logger.Error("ingest failed", slog.Any("error", err))
		}
	}
	if lastUser == "" {
		writeError(w, http.StatusBadRequest, "no user messages provided")
		return
	}

	response, err := s.generateFrom(r.Context(), lastUser, req.Options)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
		Message:   chatMessage{Role: "assistant", Content: response},
		Done:      true,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	progress, err := s.app.store.ProcessingStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	states := s.app.model.Len()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"store":         stats,
		"processing":    progress,
		"loaded_states": states,
		"order":         s.app.cfg.Order,
	})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	folded, err := s.app.store.Compact(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rows_compacted": folded})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// trainAndGenerate is the /api/generate path: ingest the prompt, then
// respond with generated text when the mode allows it.
func (s *Server) trainAndGenerate(ctx context.Context, channel, prompt string, opts *generateOptions) (string, error) {
	if err := s.ingest(ctx, "api", channel, prompt); err != nil {
		s.app.logger.Error("ingest failed", slog.Any("error", err))
	}
	return s.generateFrom(ctx, prompt, opts)
}

// ingest runs the full training path for one message: preprocess, store
// the raw corpus row, train the in-memory model, persist the observed
// transitions, and queue the message for higher-order background
// training.
func (s *Server) ingest(ctx context.Context, userID, channelID, content string) error {
	tokens := s.app.processor.Preprocess(content)
	if tokens == nil {
		return nil
	}

	msgID, err := s.app.store.AddMessage(ctx, userID, channelID, content, time.Time{})
	if err != nil {
		return err
	}

	s.mu.Lock()
	observed := s.app.model.Train(tokens)
	s.mu.Unlock()

	if err := s.app.store.AddTransitionBatch(ctx, observed); err != nil {
		return err
	}
	return s.app.store.MarkPending(ctx, msgID, s.app.cfg.BackgroundOrders...)
}

// generateFrom resolves a seed from the context text and samples a
// response, honoring per-request option overrides.
func (s *Server) generateFrom(ctx context.Context, contextText string, opts *generateOptions) (string, error) {
	if s.app.cfg.Mode != "live" {
		return "Trained", nil
	}

	genOpts := s.app.generateOpts()
	if opts != nil {
		if opts.Temperature != nil {
			genOpts = append(genOpts, markov.WithTemperature(*opts.Temperature))
		}
		if opts.TopK != nil {
			genOpts = append(genOpts, markov.WithTopK(*opts.TopK))
		}
		if opts.NumPredict != nil {
			genOpts = append(genOpts, markov.WithMaxTokens(*opts.NumPredict))
		}
	}

	seed := s.app.tokenizer.Tokenize(s.app.processor.Normalize(contextText))

	s.mu.Lock()
	tokens, err := s.app.model.Generate(ctx, seed, genOpts...)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	return s.app.processor.Normalize(s.app.tokenizer.Detokenize(tokens)), nil
}

func (s *Server) writeGenerationError(w http.ResponseWriter, err error) {
	if errors.Is(err, markov.ErrNoTrainingData) {
		writeError(w, http.StatusServiceUnavailable, "not enough training data yet")
		return
	}
	s.app.logger.Error("generation failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "generation failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
