// Command agent is the device-side companion: it captures evidence into the
// durable local queue and drains the queue against the evidence API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zteffi86/permia/internal/device/queue"
	"github.com/zteffi86/permia/internal/device/uploader"
	"github.com/zteffi86/permia/internal/platform/logger"
	"github.com/zteffi86/permia/pkg/hashing"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := logger.New(os.Getenv("PERMIA_LOG_LEVEL"))
	var err error
	switch os.Args[1] {
	case "enqueue":
		err = runEnqueue(os.Args[2:])
	case "drain":
		err = runDrain(os.Args[2:], log)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  agent enqueue -queue <db> -file <path> -application <id> -type <photo|video|document|audio> [flags]
  agent drain   -queue <db> -server <url> [flags]`)
}

// runEnqueue captures one evidence item: hash the payload, freeze the
// metadata descriptor, and commit it to the queue. After this returns the
// item survives crashes and power loss.
func runEnqueue(args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	queuePath := fs.String("queue", "queue.db", "queue database path")
	queueKey := fs.String("queue-key", os.Getenv("PERMIA_QUEUE_KEY"), "queue encryption key")
	filePath := fs.String("file", "", "captured payload path")
	applicationID := fs.String("application", "", "application id")
	evidenceType := fs.String("type", "photo", "evidence type")
	mimeType := fs.String("mime", "image/jpeg", "declared MIME type")
	role := fs.String("role", "inspector", "uploader role")
	lat := fs.Float64("lat", 0, "capture latitude")
	lon := fs.Float64("lon", 0, "capture longitude")
	accuracy := fs.Float64("accuracy", 0, "GPS accuracy in meters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filePath == "" || *applicationID == "" {
		return fmt.Errorf("-file and -application are required")
	}

	payload, err := os.ReadFile(*filePath)
	if err != nil {
		return fmt.Errorf("read capture: %w", err)
	}

	evidenceID := uuid.NewString()
	metadata, err := json.Marshal(map[string]any{
		"evidence_id":        evidenceID,
		"application_id":     *applicationID,
		"evidence_type":      *evidenceType,
		"device_hash":        hashing.NewSHA256().Digest(payload),
		"captured_at_device": time.Now().UTC().Format(time.RFC3339),
		"gps_coordinates": map[string]any{
			"latitude":        *lat,
			"longitude":       *lon,
			"accuracy_meters": *accuracy,
		},
		"uploader_role":   *role,
		"mime_type":       *mimeType,
		"file_size_bytes": len(payload),
	})
	if err != nil {
		return fmt.Errorf("build metadata: %w", err)
	}

	ctx := context.Background()
	q, err := queue.Open(ctx, *queuePath, *queueKey)
	if err != nil {
		return err
	}
	defer q.Close()

	item := &queue.Item{
		EvidenceID:    evidenceID,
		ApplicationID: *applicationID,
		MetadataJSON:  metadata,
		FilePath:      *filePath,
	}
	if err := q.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	fmt.Println(evidenceID)
	return nil
}

func runDrain(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	queuePath := fs.String("queue", "queue.db", "queue database path")
	queueKey := fs.String("queue-key", os.Getenv("PERMIA_QUEUE_KEY"), "queue encryption key")
	serverURL := fs.String("server", "http://localhost:8080", "evidence API base URL")
	token := fs.String("token", os.Getenv("PERMIA_TOKEN"), "bearer token")
	interval := fs.Duration("interval", 15*time.Second, "drain interval")
	concurrency := fs.Int("concurrency", 4, "parallel application groups")
	once := fs.Bool("once", false, "drain once and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := queue.Open(ctx, *queuePath, *queueKey)
	if err != nil {
		return err
	}
	defer q.Close()

	client := uploader.NewClient(*serverURL, *token)
	drainer := uploader.NewDrainer(q, client, queue.DefaultBackoff(), *concurrency, log)

	if *once {
		n, err := drainer.DrainOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("drain complete", "uploaded", n)
		return nil
	}

	log.Info("draining queue", "server", *serverURL, "interval", interval.String())
	if err := drainer.Run(ctx, *interval); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
