// Command bigxfer is the Upload Engine's CLI front end: it splits one file
// into chunks, drives the §4.4 state machine to upload it to a bigxfer
// server, and reports live progress — the client-side counterpart to
// restic's "backup" command, grounded on cmd/restic/main.go's cobra root and
// internal/archiver's progress reporting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/bigxfer/bigxfer/internal/chunk"
	"github.com/bigxfer/bigxfer/internal/digest"
	"github.com/bigxfer/bigxfer/internal/errors"
	"github.com/bigxfer/bigxfer/internal/ratelimit"
	"github.com/bigxfer/bigxfer/internal/transport"
	"github.com/bigxfer/bigxfer/internal/ui"
	"github.com/bigxfer/bigxfer/internal/uploadclient"
)

func init() {
	// don't import go.uber.org/automaxprocs to disable the log output
	_, _ = maxprocs.Set()
}

type uploadOptions struct {
	Server      string
	ChunkSize   int64
	Concurrency int
	RetryCount  int
	RetryDelay  time.Duration
	Algorithm   string
	UploadKBs   int
	Multithread bool
	Quiet       bool
}

var opts uploadOptions

var cmdRoot = &cobra.Command{
	Use:           "bigxfer FILE",
	Short:         "Upload a file to a bigxfer server, resuming and deduplicating as needed",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd.Context(), args[0])
	},
}

func init() {
	f := cmdRoot.Flags()
	f.StringVar(&opts.Server, "server", "http://localhost:8000", "bigxfer server base URL")
	f.Int64Var(&opts.ChunkSize, "chunk-size", chunk.DefaultChunkSize, "requested chunk size in bytes")
	f.IntVar(&opts.Concurrency, "concurrency", 4, "maximum in-flight chunk transfers")
	f.IntVar(&opts.RetryCount, "retry-count", 3, "per-chunk retry attempts before giving up")
	f.DurationVar(&opts.RetryDelay, "retry-delay", 500*time.Millisecond, "base delay for per-chunk retry backoff")
	f.StringVar(&opts.Algorithm, "algorithm", "md5", "fingerprint algorithm (md5, xxhash)")
	f.IntVar(&opts.UploadKBs, "upload-limit", 0, "upload bandwidth cap in KiB/s, 0 for unlimited")
	f.BoolVar(&opts.Multithread, "multithread", true, "fingerprint chunks with a worker pool")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "suppress progress output")
}

// fileSource adapts *os.File to chunk.Source by caching the size from Stat,
// since os.File itself has no Size method.
type fileSource struct {
	*os.File
	size int64
}

func openFileSource(path string) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileSource{File: f, size: fi.Size()}, nil
}

func (f *fileSource) Size() int64 { return f.size }

func runUpload(ctx context.Context, path string) error {
	alg, err := digest.ByName(opts.Algorithm)
	if err != nil {
		return errors.Fatal(err.Error())
	}

	src, err := openFileSource(path)
	if err != nil {
		return errors.Wrap(err, "open source file")
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return errors.Wrap(err, "stat source file")
	}

	limiter := ratelimit.NewStaticLimiter(ratelimit.Limits{UploadKBs: opts.UploadKBs})
	client := transport.NewHTTPClient(opts.Server, limiter)

	ctrl := uploadclient.New(src, transport.InitiateRequest{
		FileName:     fi.Name(),
		FileSize:     fi.Size(),
		FileType:     "application/octet-stream",
		LastModified: fi.ModTime(),
	}, uploadclient.Config{
		ChunkSize:         opts.ChunkSize,
		Concurrency:       opts.Concurrency,
		RetryCount:        opts.RetryCount,
		RetryDelay:        opts.RetryDelay,
		EnableMultiThread: opts.Multithread,
		Algorithm:         alg,
		Transport:         client,
	})

	if !opts.Quiet {
		wireProgress(ctrl, fi.Name())
	}

	var uploadErr error
	ctrl.OnError = func(err error) { uploadErr = err }
	ctrl.OnComplete = func(url string) {
		if !opts.Quiet {
			fmt.Fprintf(os.Stdout, "\nuploaded %s (%s) -> %s\n", fi.Name(), humanize.Bytes(uint64(fi.Size())), url)
		}
	}

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	return uploadErr
}

// wireProgress prints a single overwritten progress line, in the style of
// restic's archiver progress reporter (internal/ui/progress), built from
// ui.FormatBytes/FormatPercent/FormatDuration.
func wireProgress(ctrl *uploadclient.Controller, name string) {
	ctrl.OnProgress = func(p uploadclient.Progress) {
		fmt.Fprintf(os.Stderr, "\r%s  %s/%s  %s  %s/s  ETA %s  chunks %d/%d   ",
			name,
			ui.FormatBytes(uint64(p.Loaded)), ui.FormatBytes(uint64(p.Total)),
			ui.FormatPercent(uint64(p.Loaded), uint64(p.Total)),
			ui.FormatBytes(uint64(p.Speed)),
			ui.FormatDuration(p.RemainingTime),
			p.UploadedChunks, p.TotalChunks,
		)
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
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(130)
	default:
		fmt.Fprintf(os.Stderr, "%+v\n", err)
	}
	os.Exit(1)
}
