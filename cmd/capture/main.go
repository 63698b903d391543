package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/capture"
	"github.com/example/cropscan/internal/config"
	"github.com/example/cropscan/internal/grpcclient"
	"github.com/example/cropscan/internal/httpclient"
	"github.com/example/cropscan/internal/imageutil"
	"github.com/example/cropscan/internal/logging"
	"github.com/example/cropscan/internal/mockclient"
	"github.com/example/cropscan/internal/platform"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("capture", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "image to analyse (jpg or png)")
	sourceName := fs.String("source", string(capture.SourceLibrary), "library or camera")
	configPath := fs.String("config", "", "path to config.yaml")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "capture: -file is required")
		fs.Usage()
		return 2
	}
	source, err := capture.ParseSource(*sourceName)
	if err != nil {
		fmt.Fprintf(stderr, "capture: %v\n", err)
		return 2
	}

	if *configPath != "" {
		os.Setenv("CONFIG_PATH", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "capture: %v\n", err)
		return 1
	}

	logger, err := logging.NewCLILogger(*verbose)
	if err != nil {
		fmt.Fprintf(stderr, "capture: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	remote, closeRemote, err := remoteClient(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "capture: %v\n", err)
		return 1
	}
	defer closeRemote()
	selector := analysis.NewSelector(remote, mockclient.New(cfg.MockDelay(), nil, logger), logger)

	runtime := imageutil.ParseRuntime(cfg.Runtime)
	reader := imageutil.NewReader(runtime, httpclient.NewHTTPClient(cfg.HTTPTimeout()))
	device, err := platform.NewDevice(platform.Options{
		AllowLibrary: *cfg.AllowLibrary,
		AllowCamera:  *cfg.AllowCamera,
		InlineBase64: *cfg.InlineBase64,
		MediaRoots:   cfg.MediaRoots,
		WorkDir:      cfg.WorkDir,
		Reader:       reader,
	}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "capture: %v\n", err)
		return 1
	}
	defer device.Close()

	flow := capture.NewFlow(device, selector, capture.Options{
		Runtime:       runtime,
		MaxImageBytes: cfg.MaxImageBytes(),
		MaxImageMB:    cfg.MaxImageMB(),
		Reader:        reader,
	}, logger)
	defer flow.Close()

	device.Stage(*file, "")
	if err := flow.Pick(ctx, source); err != nil {
		fmt.Fprintf(stderr, "capture: %v\n", err)
		return 1
	}
	state := flow.State()
	if !state.HasSelection() {
		fmt.Fprintln(stderr, "capture: no image selected")
		return 1
	}
	if state.UIError != nil && state.UIError.IsWarning() {
		fmt.Fprintf(stderr, "warning: %s\n", state.UIError.Error())
	}

	result, err := flow.Upload(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(stderr, "capture: cancelled")
			return 130
		}
		fmt.Fprintf(stderr, "capture: upload failed: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(stderr, "capture: %v\n", err)
			return 1
		}
		return 0
	}
	printResult(stdout, result, selector.Source(), state.Size)
	return 0
}

func remoteClient(ctx context.Context, cfg config.Config, logger *zap.Logger) (analysis.Client, func(), error) {
	if baseURL, ok := cfg.APIBaseURL(); ok {
		return httpclient.New(baseURL, cfg.APIPath, httpclient.NewHTTPClient(cfg.HTTPTimeout()), logger), func() {}, nil
	}
	if cfg.GRPCTarget != "" {
		client, conn, err := grpcclient.DialAnalyzer(ctx, cfg.GRPCTarget, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = conn.Close() }, nil
	}
	return nil, func() {}, nil
}

func printResult(w io.Writer, result *analysis.UploadResult, source string, size int64) {
	fmt.Fprintf(w, "Source:      %s\n", source)
	if size > 0 {
		fmt.Fprintf(w, "Image size:  %s\n", imageutil.FormatBytes(size))
	}
	fmt.Fprintf(w, "Status:      %s\n", result.Message)
	fmt.Fprintf(w, "Prediction:  %s\n", result.Classification.Prediction)
	fmt.Fprintf(w, "Confidence:  %s\n", result.ConfidencePercent())
	fmt.Fprintf(w, "Class index: %d\n", result.Classification.Extra.ClassIndex)
	fmt.Fprintf(w, "Elapsed:     %.0f ms\n", result.Classification.Extra.ElapsedMs)
	fmt.Fprintf(w, "Masks:       %d\n", result.Segmentation.NumMasks)
	if result.Segmentation.Error != nil {
		fmt.Fprintf(w, "Segmentation error: %s\n", *result.Segmentation.Error)
	}
}
