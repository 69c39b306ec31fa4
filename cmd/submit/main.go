/**
 * IDExtract Submit - enqueue a document for the worker
 *
 * Reads the same environment as the worker (REDIS_URL, QUEUE_NAME,
 * QUEUE_BACKEND, MAX_FILE_SIZE) and pushes one job in the layout the
 * configured consumer expects. Prints the job ID on success.
 *
 *   submit -file card.png
 *   submit -url https://files.example/scan.pdf -mime application/pdf
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/adverant/nexus/idextract-worker/internal/config"
	"github.com/adverant/nexus/idextract-worker/internal/queue"
)

type CLI struct {
	file   string
	url    string
	mime   string
	userID string
}

func main() {
	if err := godotenv.Load(".env.idextract"); err != nil {
		log.Printf("Warning: .env.idextract not found, using system environment variables")
	}
	if err := (&CLI{}).Run(os.Args[1:]); err != nil {
		log.Fatalf("submit: %v", err)
	}
}

func (c *CLI) Run(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	fs.StringVar(&c.file, "file", "", "Local image or PDF to send inline")
	fs.StringVar(&c.url, "url", "", "URL the worker downloads the document from")
	fs.StringVar(&c.mime, "mime", "", "MIME type of the document (optional)")
	fs.StringVar(&c.userID, "user", "cli", "User ID recorded with the job")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	payload, err := buildPayload(c.file, c.url, c.mime, c.userID, cfg.MaxFileSize)
	if err != nil {
		return err
	}

	producer, err := newProducer(cfg)
	if err != nil {
		return err
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := producer.Enqueue(ctx, payload)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func newProducer(cfg *config.Config) (queue.Producer, error) {
	if cfg.QueueBackend == config.QueueBackendAsynq {
		return queue.NewAsynqProducer(cfg.RedisURL, cfg.QueueName, int64(cfg.ProcessingTimeout))
	}
	return queue.NewRedisProducer(cfg.RedisURL, cfg.QueueName, 0)
}

// buildPayload builds a job from exactly one of a local file or a URL.
func buildPayload(file, url, mimeType, userID string, maxSize int64) (*queue.JobPayload, error) {
	if (file == "") == (url == "") {
		return nil, errors.New("exactly one of -file or -url is required")
	}

	payload := &queue.JobPayload{
		JobID:    uuid.NewString(),
		UserID:   userID,
		MimeType: mimeType,
	}

	if url != "" {
		payload.FileURL = url
		payload.Filename = path.Base(url)
		return payload, nil
	}

	info, err := os.Stat(file)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", file, info.Size(), maxSize)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	payload.Filename = filepath.Base(file)
	payload.FileBuffer = data
	payload.FileSize = int64(len(data))
	return payload, nil
}
