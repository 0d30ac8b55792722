// Command hydrate imports historical Question/Answer sheets as retrieval-only
// answers and writes question embeddings as JSONL for vector index ingestion.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rfiassist/internal/app"
	"rfiassist/internal/config"
	"rfiassist/internal/logger"
	"rfiassist/internal/model"
	"rfiassist/internal/repository"
	"rfiassist/internal/vector"
)

type embeddingLine struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
}

func main() {
	os.Exit(hydrate(os.Args[1:], os.Stderr))
}

// hydrate runs the import and returns the process exit code
func hydrate(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("hydrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	out := fs.String("out", "embeddings.jsonl", "embeddings output file, empty to skip")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: hydrate [flags] file.csv|file.xlsx ...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(stderr, "logger:", err)
		return 1
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, fs.Args(), *out); err != nil {
		log.Error("hydrate failed", zap.Error(err))
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, files []string, out string) error {
	var pairs []qaPair
	for _, path := range files {
		p, err := readFile(path)
		if err != nil {
			return err
		}
		log.Info("read file", zap.String("path", path), zap.Int("pairs", len(p)))
		pairs = append(pairs, p...)
	}
	rows := seedRows(pairs)
	if len(rows) == 0 {
		log.Warn("nothing to import")
		return nil
	}

	client, err := app.ConnectMongo(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())

	repo := repository.NewAnswerRepo(client.Database(cfg.Mongo.Database), cfg.Pipeline.PageSize)
	if err := repo.EnsureIndexes(ctx); err != nil {
		return err
	}
	inserted, err := repo.UpsertMany(ctx, rows)
	if err != nil {
		return err
	}
	log.Info("stored seed answers", zap.Int("rows", len(rows)), zap.Int("inserted", len(inserted)))

	if out == "" {
		return nil
	}
	models, err := app.NewModels(ctx, cfg.AI, cfg.Vector, "RETRIEVAL_DOCUMENT", log)
	if err != nil {
		return err
	}
	if models.Embedder == nil {
		log.Warn("no AI backend configured; skipping embeddings")
		return nil
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := writeEmbeddings(ctx, w, models.Embedder, rows); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Info("wrote embeddings", zap.String("path", out), zap.Int("vectors", len(rows)))
	return nil
}

// writeEmbeddings embeds every row question and writes one JSON line per row
func writeEmbeddings(ctx context.Context, w io.Writer, embedder vector.Embedder, rows []*model.Answer) error {
	questions := make([]string, len(rows))
	for i, r := range rows {
		questions[i] = r.Question
	}
	vecs, err := embedder.Embed(ctx, questions)
	if err != nil {
		return fmt.Errorf("embed questions: %w", err)
	}
	if len(vecs) != len(rows) {
		return fmt.Errorf("embedder returned %d vectors for %d questions", len(vecs), len(rows))
	}
	enc := json.NewEncoder(w)
	for i, r := range rows {
		if err := enc.Encode(embeddingLine{ID: r.Hash, Embedding: vecs[i]}); err != nil {
			return err
		}
	}
	return nil
}
