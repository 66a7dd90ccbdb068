// Package resolver turns image references from job envelopes into in-memory
// bytes. It handles local paths under the configured image root, s3:// and
// minio:// object URIs (MinIO speaks the S3 API), plain HTTP(S) URLs, and
// opaque blob ids served by a collaborator store. Every fetched payload is
// sniffed by magic bytes; PDFs and non-image media are rejected before any
// OCR engine sees them.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/jarvishome/jarvis-ocr/internal/envelope"
)

// Error carries the envelope error code for a failed resolution and whether
// the failure is transient (job-level retry) or final (per-image error).
type Error struct {
	Code      string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func notFound(msg string, err error) *Error {
	return &Error{Code: envelope.CodeImageNotFound, Message: msg, Err: err}
}

func unsupported(msg string) *Error {
	return &Error{Code: envelope.CodeUnsupportedMedia, Message: msg}
}

func transient(msg string, err error) *Error {
	return &Error{Code: envelope.CodeInternalError, Message: msg, Transient: true, Err: err}
}

// Image is a resolved reference.
type Image struct {
	Bytes       []byte
	ContentType string
}

// BlobStore fetches opaque blobs for image refs of kind "db".
type BlobStore interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// Config holds resolver settings.
type Config struct {
	// LocalRoot anchors relative local_path refs; refs escaping it are
	// rejected.
	LocalRoot string

	S3Endpoint       string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	S3ForcePathStyle bool

	// Blobs serves kind "db" refs; nil means the kind is unresolvable.
	Blobs BlobStore

	Logger *slog.Logger
}

// Resolver fetches image bytes for the supported reference kinds.
type Resolver struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger

	s3Once sync.Once
	s3c    *s3.Client
	s3Err  error
}

// New creates a resolver. The S3 client is built lazily on first use so
// deployments without object storage never touch AWS config.
func New(cfg Config) *Resolver {
	if cfg.LocalRoot == "" {
		cfg.LocalRoot = "/data/images"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "resolver"),
	}
}

// Resolve fetches the bytes behind ref and sniffs the media type. PDFs are
// rejected by suffix before any fetch, and by magic bytes after.
func (r *Resolver) Resolve(ctx context.Context, ref envelope.ImageRef) (*Image, error) {
	if strings.HasSuffix(strings.ToLower(ref.Value), ".pdf") {
		return nil, unsupported("PDF files are not supported")
	}

	var (
		data []byte
		err  error
	)
	switch ref.Kind {
	case envelope.KindLocalPath:
		data, err = r.resolveLocal(ref.Value)
	case envelope.KindS3, envelope.KindMinio:
		data, err = r.resolveObject(ctx, ref.Value)
	case envelope.KindDB:
		data, err = r.resolveBlob(ctx, ref.Value)
	default:
		err = notFound(fmt.Sprintf("unknown image kind %q", ref.Kind), nil)
	}
	if err != nil {
		return nil, err
	}

	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		return nil, unsupported("PDF content is not supported")
	case !strings.HasPrefix(mt.String(), "image/"):
		return nil, unsupported(fmt.Sprintf("unsupported media type %s", mt.String()))
	}

	r.logger.Debug("resolved image",
		"kind", ref.Kind, "bytes", len(data), "content_type", mt.String())
	return &Image{Bytes: data, ContentType: mt.String()}, nil
}

// resolveLocal reads a file under the image root. Both relative and absolute
// paths must land inside the root once cleaned.
func (r *Resolver) resolveLocal(p string) ([]byte, error) {
	root, err := filepath.Abs(r.cfg.LocalRoot)
	if err != nil {
		return nil, transient("resolve image root", err)
	}

	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)

	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return nil, notFound(fmt.Sprintf("path escapes image root: %s", p), nil)
	}

	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(fmt.Sprintf("image file not found: %s", p), nil)
	}
	if err != nil {
		return nil, notFound(fmt.Sprintf("stat image: %s", p), err)
	}
	if info.IsDir() {
		return nil, notFound(fmt.Sprintf("path is not a file: %s", p), nil)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, notFound(fmt.Sprintf("read image: %s", p), err)
	}
	return data, nil
}

// resolveObject handles s3://, minio://, and http(s) forms. MinIO URIs are
// rewritten to s3:// since the API is the same; the custom endpoint and
// path-style flag come from config.
func (r *Resolver) resolveObject(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return r.resolveHTTP(ctx, uri)
	}
	if strings.HasPrefix(uri, "minio://") {
		uri = "s3://" + strings.TrimPrefix(uri, "minio://")
	}
	if !strings.HasPrefix(uri, "s3://") {
		return nil, notFound(fmt.Sprintf("invalid object URI: %s", uri), nil)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, notFound(fmt.Sprintf("parse object URI: %s", uri), err)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, notFound(fmt.Sprintf("object URI missing bucket or key: %s", uri), nil)
	}

	client, err := r.s3Client(ctx)
	if err != nil {
		return nil, transient("build s3 client", err)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		var noBucket *s3types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, notFound(fmt.Sprintf("object not found: %s", uri), err)
		}
		return nil, transient(fmt.Sprintf("fetch object %s", uri), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, transient(fmt.Sprintf("read object %s", uri), err)
	}
	return data, nil
}

func (r *Resolver) s3Client(ctx context.Context) (*s3.Client, error) {
	r.s3Once.Do(func() {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(r.cfg.S3Region),
		}
		if r.cfg.S3AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(r.cfg.S3AccessKey, r.cfg.S3SecretKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			r.s3Err = err
			return
		}
		r.s3c = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if r.cfg.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(r.cfg.S3Endpoint)
			}
			o.UsePathStyle = r.cfg.S3ForcePathStyle
		})
	})
	return r.s3c, r.s3Err
}

func (r *Resolver) resolveHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, notFound(fmt.Sprintf("build request for %s", rawURL), err)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, transient(fmt.Sprintf("fetch %s", rawURL), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, notFound(fmt.Sprintf("remote image not found: %s", rawURL), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, transient(fmt.Sprintf("fetch %s: status %d", rawURL, resp.StatusCode), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(fmt.Sprintf("read body of %s", rawURL), err)
	}
	return data, nil
}

func (r *Resolver) resolveBlob(ctx context.Context, id string) ([]byte, error) {
	if r.cfg.Blobs == nil {
		return nil, notFound("no blob store configured for kind db", nil)
	}
	data, err := r.cfg.Blobs.Fetch(ctx, id)
	if err != nil {
		return nil, notFound(fmt.Sprintf("blob %s", id), err)
	}
	return data, nil
}
