// Command bigxfer-server runs the Chunk Store and Assembly Service: the
// §6 HTTP protocol over a pluggable chunk-store driver, grounded on
// cmd/restic/main.go's cobra root and cmd/restic/web's HTTP server setup.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/bigxfer/bigxfer/internal/assembly"
	"github.com/bigxfer/bigxfer/internal/chunk"
	"github.com/bigxfer/bigxfer/internal/chunkstore"
	"github.com/bigxfer/bigxfer/internal/digest"
	"github.com/bigxfer/bigxfer/internal/errors"
	"github.com/bigxfer/bigxfer/internal/server/api"
	"github.com/bigxfer/bigxfer/internal/sessions"
	"github.com/bigxfer/bigxfer/internal/token"
)

func init() {
	_, _ = maxprocs.Set()
}

type serveOptions struct {
	Listen      string
	BaseURL     string
	MetaDir     string
	FilesDir    string
	Algorithm   string
	TokenSecret string

	Driver   string
	LocalDir string

	S3Endpoint string
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3KeyID    string
	S3Secret   string
	S3UseHTTP  bool

	B2AccountID string
	B2Key       string
	B2Bucket    string
	B2Prefix    string
}

var opts serveOptions

var cmdRoot = &cobra.Command{
	Use:           "bigxfer-server",
	Short:         "Serve the bigxfer chunk store and assembly service",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	f := cmdRoot.Flags()
	f.StringVar(&opts.Listen, "listen", ":8000", "address to listen on")
	f.StringVar(&opts.BaseURL, "base-url", "http://localhost:8000", "base URL this server is reachable at, used to build artifact URLs")
	f.StringVar(&opts.MetaDir, "meta-dir", "bigxfer-data/sessions", "directory for session metadata")
	f.StringVar(&opts.FilesDir, "files-dir", "bigxfer-data/files", "directory for materialized artifacts")
	f.StringVar(&opts.Algorithm, "algorithm", "md5", "fingerprint algorithm (md5, xxhash)")
	f.StringVar(&opts.TokenSecret, "token-secret", "", "HMAC secret for upload tokens (required)")

	f.StringVar(&opts.Driver, "driver", "local", "chunk store driver: local, s3, b2")
	f.StringVar(&opts.LocalDir, "local-dir", "bigxfer-data/chunks", "chunk directory for the local driver")

	f.StringVar(&opts.S3Endpoint, "s3-endpoint", "", "S3 endpoint")
	f.StringVar(&opts.S3Bucket, "s3-bucket", "", "S3 bucket")
	f.StringVar(&opts.S3Prefix, "s3-prefix", "", "S3 key prefix")
	f.StringVar(&opts.S3Region, "s3-region", "", "S3 region")
	f.StringVar(&opts.S3KeyID, "s3-key-id", "", "S3 access key ID")
	f.StringVar(&opts.S3Secret, "s3-secret", "", "S3 secret access key")
	f.BoolVar(&opts.S3UseHTTP, "s3-use-http", false, "use plain HTTP instead of HTTPS for S3")

	f.StringVar(&opts.B2AccountID, "b2-account-id", "", "B2 account ID")
	f.StringVar(&opts.B2Key, "b2-key", "", "B2 application key")
	f.StringVar(&opts.B2Bucket, "b2-bucket", "", "B2 bucket")
	f.StringVar(&opts.B2Prefix, "b2-prefix", "", "B2 key prefix")
}

func buildDriver(ctx context.Context) (chunkstore.Driver, error) {
	switch opts.Driver {
	case "local":
		return chunkstore.NewLocalDriver(opts.LocalDir)
	case "s3":
		return chunkstore.NewS3Driver(chunkstore.S3Config{
			Endpoint: opts.S3Endpoint,
			Bucket:   opts.S3Bucket,
			Prefix:   opts.S3Prefix,
			Region:   opts.S3Region,
			KeyID:    opts.S3KeyID,
			Secret:   opts.S3Secret,
			UseHTTP:  opts.S3UseHTTP,
		})
	case "b2":
		return chunkstore.NewB2Driver(ctx, chunkstore.B2Config{
			AccountID: opts.B2AccountID,
			Key:       opts.B2Key,
			Bucket:    opts.B2Bucket,
			Prefix:    opts.B2Prefix,
		})
	default:
		return nil, errors.Fatalf("unknown chunk store driver %q, want local, s3 or b2", opts.Driver)
	}
}

func runServe(ctx context.Context) error {
	if opts.TokenSecret == "" {
		return errors.Fatal("--token-secret is required")
	}

	alg, err := digest.ByName(opts.Algorithm)
	if err != nil {
		return errors.Fatal(err.Error())
	}

	if err := os.MkdirAll(opts.MetaDir, 0o700); err != nil {
		return errors.Wrap(err, "create meta-dir")
	}
	if err := os.MkdirAll(opts.FilesDir, 0o700); err != nil {
		return errors.Wrap(err, "create files-dir")
	}

	driver, err := buildDriver(ctx)
	if err != nil {
		return errors.Wrap(err, "build chunk store driver")
	}
	store := chunkstore.New(driver, alg)

	registry, err := sessions.NewRegistry(opts.MetaDir)
	if err != nil {
		return errors.Wrap(err, "open session registry")
	}

	asm, err := assembly.New(store, opts.FilesDir)
	if err != nil {
		return errors.Wrap(err, "open assembly service")
	}

	issuer, err := token.NewIssuer([]byte(opts.TokenSecret))
	if err != nil {
		return errors.Wrap(err, "build token issuer")
	}

	srv := &api.Server{
		Registry:        registry,
		Store:           store,
		Assembly:        asm,
		Tokens:          issuer,
		Algorithm:       alg,
		BaseURL:         opts.BaseURL,
		ChunkSize:       chunk.DefaultChunkSize,
		MaxUploadMemory: 32 << 20,
	}

	httpServer := &http.Server{
		Addr:              opts.Listen,
		Handler:           api.NewRouter(srv),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "bigxfer-server listening on %s (driver=%s)\n", opts.Listen, opts.Driver)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen and serve")
		}
		return nil
	}
}

func createContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func main() {
	ctx := createContext()
	err := cmdRoot.ExecuteContext(ctx)

	switch {
	case err == nil:
		return
	case errors.IsFatal(err):
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
	default:
		fmt.Fprintf(os.Stderr, "%+v\n", err)
	}
	os.Exit(1)
}
