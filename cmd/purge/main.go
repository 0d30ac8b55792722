// Command purge deletes one questionnaire, optionally regardless of state and
// optionally together with its answer rows.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"rfiassist/internal/app"
	"rfiassist/internal/config"
	"rfiassist/internal/logger"
	"rfiassist/internal/metrics"
	"rfiassist/internal/repository"
	"rfiassist/internal/service"
)

func main() {
	os.Exit(purge(os.Args[1:], os.Stdout, os.Stderr))
}

// purge deletes the questionnaire named by args and returns the process exit code
func purge(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	id := fs.String("id", "", "questionnaire id")
	force := fs.Bool("force", false, "delete even if the questionnaire is still processing")
	removeAnswers := fs.Bool("remove-answers", false, "also delete the questionnaire's answers")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
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

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client, err := app.ConnectMongo(ctx, cfg.Mongo)
	if err != nil {
		log.Error("connect", zap.Error(err))
		return 1
	}
	defer client.Disconnect(context.Background())

	db := client.Database(cfg.Mongo.Database)
	svc := service.NewQuestionnaireService(
		repository.NewQuestionnaireRepo(db),
		repository.NewAnswerRepo(db, cfg.Pipeline.PageSize),
		nil, nil, nil,
		metrics.New(nil),
		cfg.Pipeline,
		log,
	)
	if err := svc.Delete(ctx, *id, *force, *removeAnswers); err != nil {
		log.Error("purge failed", zap.String("questionnaire_id", *id), zap.Error(err))
		return 1
	}
	fmt.Fprintf(stdout, "deleted questionnaire %s\n", *id)
	return 0
}
