// Command cli runs text extraction and entity prediction locally, without
// the queue, database or object store.
//
//	cli extract [flags] file.pdf...
//	cli predict -model model.onnx [flags] hypothesis.json
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
	"path/filepath"
	"strings"
	"syscall"

	"entity-extractor/internal/config"
	"entity-extractor/internal/entity"
	"entity-extractor/internal/entity/onnx"
	"entity-extractor/internal/logging"
	"entity-extractor/internal/pdftext"

	"github.com/cheggaaa/pb/v3"
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  cli extract [flags] file.pdf...")
	fmt.Fprintln(w, "  cli predict -model model.onnx [flags] hypothesis.json")
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "extract":
		err = runExtract(ctx, args[1:], stdout, stderr)
	case "predict":
		err = runPredict(ctx, args[1:], stdin, stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "cli: unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "cli %s: %v\n", args[0], err)
		return 2
	default:
		fmt.Fprintf(stderr, "cli %s: %v\n", args[0], err)
		return 1
	}
}

type extractOptions struct {
	password   string
	first      int
	last       int
	sep        string
	skipBroken bool
	normalize  bool
	outDir     string
	logLevel   string
	files      []string
}

func parseExtract(args []string, stderr io.Writer) (extractOptions, error) {
	var opts extractOptions
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.password, "password", "", "Password to open encrypted PDFs")
	fs.IntVar(&opts.first, "first", 1, "First page to extract (one-based)")
	fs.IntVar(&opts.last, "last", 0, "Last page to extract, 0 for the final page")
	fs.StringVar(&opts.sep, "sep", pdftext.DefaultPageSeparator, "Separator written between pages")
	fs.BoolVar(&opts.skipBroken, "skip-broken", false, "Skip pages that fail to interpret")
	fs.BoolVar(&opts.normalize, "normalize", false, "Apply Unicode NFC normalization")
	fs.StringVar(&opts.outDir, "out", "", "Write <name>.txt per input into this directory instead of stdout")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.files = fs.Args()
	if len(opts.files) == 0 {
		fs.Usage()
		return opts, fmt.Errorf("%w: no pdf files given", errUsage)
	}
	return opts, nil
}

func runExtract(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseExtract(args, stderr)
	if err != nil {
		return err
	}
	logger, err := logging.NewWithWriter(stderr, opts.logLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	extractOpts := []pdftext.Option{
		pdftext.WithPageSeparator(opts.sep),
		pdftext.WithPageRange(opts.first, opts.last),
		pdftext.WithLogger(logger),
	}
	if opts.password != "" {
		extractOpts = append(extractOpts, pdftext.WithPassword(opts.password))
	}
	if opts.skipBroken {
		extractOpts = append(extractOpts, pdftext.WithSkipBrokenPages())
	}
	if opts.normalize {
		extractOpts = append(extractOpts, pdftext.WithNormalize())
	}
	extractor := pdftext.New(extractOpts...)

	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	bar := newProgress(len(opts.files), stderr)
	if bar != nil {
		defer bar.Finish()
	}

	for _, path := range opts.files {
		text, err := extractor.ExtractFileText(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if err := writeText(opts.outDir, path, text, stdout); err != nil {
			return err
		}
		if bar != nil {
			bar.Increment()
		}
	}
	return nil
}

// newProgress starts a bar on w when there is more than one file.
func newProgress(files int, w io.Writer) *pb.ProgressBar {
	if files < 2 {
		return nil
	}
	return pb.New(files).SetWriter(w).Start()
}

// writeText writes <name>.txt into outDir, or to stdout when outDir is empty.
func writeText(outDir, path, text string, stdout io.Writer) error {
	if outDir == "" {
		_, err := io.WriteString(stdout, text+"\n")
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".txt"
	if err := os.WriteFile(filepath.Join(outDir, name), []byte(text), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

type predictOptions struct {
	model      string
	labels     string
	ortLib     string
	inputName  string
	outputName string
	logLevel   string
	hypothesis string
}

func parsePredict(args []string, stderr io.Writer) (predictOptions, error) {
	var opts predictOptions
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.model, "model", config.DefaultModelPath, "Path to the ONNX entity model")
	fs.StringVar(&opts.labels, "labels", "", "Optional file with one class label per line")
	fs.StringVar(&opts.ortLib, "ort", os.Getenv("ONNXRUNTIME_LIB"), "Path to the onnxruntime shared library")
	fs.StringVar(&opts.inputName, "input", "", "Model input to feed, default the first declared")
	fs.StringVar(&opts.outputName, "output", "", "Model output to read, default the first declared")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, fmt.Errorf("%w: want exactly one hypothesis file, - for stdin", errUsage)
	}
	opts.hypothesis = fs.Arg(0)
	return opts, nil
}

type prediction struct {
	Shape   []int64        `json:"shape"`
	Scores  [][]float64    `json:"scores"`
	Classes []entity.Class `json:"classes,omitempty"`
}

func runPredict(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parsePredict(args, stderr)
	if err != nil {
		return err
	}
	logger, err := logging.NewWithWriter(stderr, opts.logLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	hypothesis, err := readHypothesis(opts.hypothesis, stdin)
	if err != nil {
		return err
	}

	loadOpts := []entity.Option{entity.WithLogger(logger)}
	if opts.labels != "" {
		labels, err := entity.LoadLabels(opts.labels)
		if err != nil {
			return err
		}
		loadOpts = append(loadOpts, entity.WithLabels(labels))
	}

	backend := onnx.New(onnx.Config{
		LibraryPath: opts.ortLib,
		InputName:   opts.inputName,
		OutputName:  opts.outputName,
		Logger:      logger,
	})
	model, err := entity.Load(opts.model, backend, loadOpts...)
	if err != nil {
		return err
	}
	defer onnx.Shutdown()
	defer model.Close()

	out, err := model.Predict(ctx, hypothesis)
	if err != nil {
		return err
	}

	result := prediction{Shape: out.Shape, Scores: out.RowSlices()}
	if classes, err := model.Classes(out); err == nil {
		result.Classes = classes
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readHypothesis(path string, stdin io.Reader) (entity.Tensor, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return entity.Tensor{}, fmt.Errorf("read hypothesis: %w", err)
	}

	// accept either a bare array or {"hypothesis": [...]}
	var wrapped struct {
		Hypothesis json.RawMessage `json:"hypothesis"`
	}
	if json.Unmarshal(b, &wrapped) == nil && len(wrapped.Hypothesis) > 0 {
		b = wrapped.Hypothesis
	}
	return entity.ParseJSON(b)
}
