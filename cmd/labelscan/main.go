package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/labelscan-worker/internal/config"
	"github.com/adverant/nexus/labelscan-worker/internal/logging"
	"github.com/adverant/nexus/labelscan-worker/internal/processor"
	"github.com/adverant/nexus/labelscan-worker/internal/queue"
	"github.com/adverant/nexus/labelscan-worker/internal/storage"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: labelscan <command> [flags] <args>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  recognize [-tier fast|balanced|advanced] [-normalize] <image>   run the pipeline locally and print JSON")
	fmt.Fprintln(os.Stderr, "  enqueue [-tier ...] [-normalize] [-retries n] <image|url>      submit a job to the worker queue")
	fmt.Fprintln(os.Stderr, "  status <jobId>                                                 show the stored job row")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load(".env.nexus")

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "labelscan: %v\n", err)
		os.Exit(1)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	var runErr error
	switch os.Args[1] {
	case "recognize":
		runErr = recognize(cfg, os.Args[2:])
	case "enqueue":
		runErr = enqueue(cfg, os.Args[2:])
	case "status":
		runErr = status(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "labelscan %s: %v\n", os.Args[1], runErr)
		os.Exit(1)
	}
}

type jobFlags struct {
	tier      string
	normalize bool
	retries   int
}

func parseJobFlags(name string, args []string, withRetries bool) (jobFlags, string, error) {
	var jf jobFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&jf.tier, "tier", "", "recognition tier (fast, balanced, advanced)")
	fs.BoolVar(&jf.normalize, "normalize", false, "convert kJ/mg/kg to kcal/g")
	if withRetries {
		fs.IntVar(&jf.retries, "retries", 3, "maximum attempts for the job")
	}
	if err := fs.Parse(args); err != nil {
		return jf, "", err
	}
	if fs.NArg() != 1 {
		return jf, "", fmt.Errorf("expected exactly one image argument")
	}
	return jf, fs.Arg(0), nil
}

func recognize(cfg *config.Config, args []string) error {
	jf, path, err := parseJobFlags("recognize", args, false)
	if err != nil {
		return err
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	proc, err := processor.NewLabelProcessorFromConfig(cfg, nil)
	if err != nil {
		return err
	}
	defer proc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProcessingTimeoutDuration())
	defer cancel()

	result, err := proc.ProcessLabel(ctx, &processor.ScanRequest{
		Image:     image,
		Tier:      jf.tier,
		Normalize: jf.normalize,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func enqueue(cfg *config.Config, args []string) error {
	jf, source, err := parseJobFlags("enqueue", args, true)
	if err != nil {
		return err
	}

	payload := &queue.JobPayload{
		Tier:       jf.tier,
		Normalize:  jf.normalize,
		MaxRetries: jf.retries,
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		payload.ImageURL = source
	} else {
		if payload.Image, err = os.ReadFile(source); err != nil {
			return fmt.Errorf("read image: %w", err)
		}
	}

	producer, err := queue.NewProducer(cfg.QueueBackend, cfg.RedisURL, cfg.QueueName)
	if err != nil {
		return err
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobID, err := producer.Enqueue(ctx, payload)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"jobId":   jobID,
		"queue":   cfg.QueueName,
		"backend": producer.Backend(),
	})
}

func status(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected a job id")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}

	db, err := storage.NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := db.GetJobByID(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(job)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
