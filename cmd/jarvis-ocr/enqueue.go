package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jarvishome/jarvis-ocr/internal/envelope"
	"github.com/jarvishome/jarvis-ocr/internal/queue"
)

var (
	enqueueReplyTo  string
	enqueueLanguage string
	enqueueWorkflow string
	enqueueSource   string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <image-ref> [image-ref...]",
	Short: "Push a test OCR job onto the input queue",
	Long: `Push a test OCR job onto the input queue.

Each image-ref is kind:value, where kind is one of local_path, s3,
minio or db. Bare paths and s3://, minio://, http:// or https:// URIs
are recognized without an explicit kind.

Examples:
  jarvis-ocr enqueue /data/images/recipes/page1.png --reply-to jarvis.recipes.jobs
  jarvis-ocr enqueue s3://jarvis-media/scans/card.jpg --reply-to jarvis.recipes.jobs
  jarvis-ocr enqueue db:blob-41f2 local_path:labels/jar3.png --reply-to jarvis.pantry.jobs`,
	Args: cobra.RangeArgs(1, envelope.MaxImages),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if enqueueReplyTo == "" {
			return fmt.Errorf("--reply-to is required")
		}

		refs := make([]envelope.ImageRef, 0, len(args))
		for i, arg := range args {
			ref, err := parseImageRef(arg, i)
			if err != nil {
				return err
			}
			refs = append(refs, ref)
		}

		req := &envelope.Request{
			SchemaVersion: envelope.SchemaVersion,
			JobID:         uuid.NewString(),
			WorkflowID:    enqueueWorkflow,
			JobType:       envelope.JobTypeOCRRequest,
			Source:        enqueueSource,
			Target:        envelope.SourceName,
			CreatedAt:     envelope.Timestamp(time.Now()),
			Attempt:       1,
			ReplyTo:       enqueueReplyTo,
			Payload: envelope.RequestPayload{
				ImageRefs:  refs,
				ImageCount: len(refs),
			},
		}
		if enqueueLanguage != "" {
			req.Payload.Options = &envelope.Options{Language: enqueueLanguage}
		}

		raw, err := json.Marshal(req)
		if err != nil {
			return err
		}

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		q := queue.NewClient(queue.Config{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			Logger:   newLogger(),
		})
		defer q.Close()

		if err := q.Push(ctx, queue.InputQueue, raw); err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}

		fmt.Printf("Enqueued job %s (%d images) on %s, replies to %s\n",
			req.JobID, len(refs), queue.InputQueue, enqueueReplyTo)
		return nil
	},
}

// parseImageRef turns a CLI argument into an image reference. An explicit
// kind: prefix always wins; otherwise the URI scheme or a bare path
// decides.
func parseImageRef(arg string, index int) (envelope.ImageRef, error) {
	for _, kind := range []string{envelope.KindLocalPath, envelope.KindS3, envelope.KindMinio, envelope.KindDB} {
		if v, ok := strings.CutPrefix(arg, kind+":"); ok {
			// s3:bucket/key stays a URI for the resolver.
			if kind == envelope.KindS3 && strings.HasPrefix(v, "//") {
				v = arg
			}
			if kind == envelope.KindMinio && strings.HasPrefix(v, "//") {
				v = arg
			}
			return envelope.ImageRef{Kind: kind, Value: v, Index: index}, nil
		}
	}

	switch {
	case strings.HasPrefix(arg, "minio://"):
		return envelope.ImageRef{Kind: envelope.KindMinio, Value: arg, Index: index}, nil
	case strings.HasPrefix(arg, "http://"), strings.HasPrefix(arg, "https://"):
		return envelope.ImageRef{Kind: envelope.KindS3, Value: arg, Index: index}, nil
	case strings.Contains(arg, "://"):
		return envelope.ImageRef{}, fmt.Errorf("unrecognized image ref scheme: %s", arg)
	default:
		return envelope.ImageRef{Kind: envelope.KindLocalPath, Value: arg, Index: index}, nil
	}
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueReplyTo, "reply-to", "", "Reply queue for the completion event (required)")
	enqueueCmd.Flags().StringVar(&enqueueLanguage, "language", "", "Language hint, e.g. en or fr")
	enqueueCmd.Flags().StringVar(&enqueueWorkflow, "workflow-id", uuid.NewString(), "Workflow id for tracing")
	enqueueCmd.Flags().StringVar(&enqueueSource, "source", "jarvis-ocr-cli", "Source service name")

	rootCmd.AddCommand(enqueueCmd)
}
