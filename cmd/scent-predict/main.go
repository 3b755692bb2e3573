// Command scent-predict classifies one reading given as a JSON argument or
// on stdin and prints the prediction, or the failure object, as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"strings"

	"scentd/internal/config"
	"scentd/internal/engine"
	"scentd/internal/ingest"
	"scentd/internal/logging"
	"scentd/internal/model"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("scent-predict", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "configs/scentd.yaml", "path to the yaml or json config file")
	pipeline := flags.String("pipeline", "", "pipeline version to use instead of the configured one")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	var input []byte
	if flags.NArg() > 0 {
		input = []byte(strings.Join(flags.Args(), " "))
	} else {
		var err error
		if input, err = io.ReadAll(stdin); err != nil {
			return fail(stdout, engine.KindInvalidInput, err)
		}
	}

	config.LoadDotEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail(stdout, engine.KindModelUnavailable, err)
	}
	if *pipeline != "" {
		if cfg, err = cfg.WithPipeline(*pipeline); err != nil {
			return fail(stdout, engine.KindModelUnavailable, err)
		}
	}
	cfg.Debounce.Mode = config.DebouncePerCall
	logger := logging.NewLogger(cfg.LogLevel, "text", stderr)

	reading, err := ingest.ParseJSONBytes(input, ingest.NewParser(cfg.Ingest.Parser.Timezone).Location())
	if err != nil {
		return fail(stdout, engine.KindInvalidInput, err)
	}
	reading.Source = "cli"

	eng, err := engine.NewEngine(cfg, logger, nil, nil, nil)
	if err != nil {
		return fail(stdout, engine.KindModelUnavailable, err)
	}
	rec, err := eng.Predict(context.Background(), *reading)
	if err != nil {
		return writeFailure(stdout, rec.Failure, err)
	}
	if err := json.NewEncoder(stdout).Encode(rec.Prediction); err != nil {
		return 1
	}
	return 0
}

func fail(w io.Writer, kind engine.Kind, err error) int {
	f := model.NewFailure(string(kind), err)
	return writeFailure(w, &f, err)
}

func writeFailure(w io.Writer, f *model.Failure, err error) int {
	if f == nil {
		nf := model.NewFailure(string(engine.KindOf(err)), err)
		f = &nf
	}
	_ = json.NewEncoder(w).Encode(f)
	return 1
}
