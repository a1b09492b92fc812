package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/strata-project/strata/internal/table"
	"github.com/strata-project/strata/internal/timeline"
	"github.com/strata-project/strata/pkg/codec"
	"github.com/strata-project/strata/pkg/config"
	"github.com/strata-project/strata/pkg/errclass"
	"github.com/strata-project/strata/pkg/logging"
	"github.com/strata-project/strata/pkg/metrics"
	"github.com/strata-project/strata/pkg/model"
)

// resolveBase returns --base, or the table root discovered from the working
// directory.
func resolveBase() (string, error) {
	if baseDir != "" {
		return filepath.Abs(baseDir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("cannot get current directory: %w", err)
	}
	root, err := table.Discover(cwd)
	if err != nil {
		return "", fmt.Errorf("not a strata table (or any parent directory); run 'strata init' or pass --base")
	}
	return root, nil
}

// loadConfig reads --config, or the config file under base, and applies its
// logging section to the global logger.
func loadConfig(base string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load(base)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(level)
	if cfg.Logging.Format == string(logging.FormatText) {
		logger.SetFormat(logging.FormatText)
	}
	logging.SetGlobal(logger)
	return cfg, nil
}

// openTable connects to the table at the resolved base path. The caller
// closes the handle.
func openTable(ctx context.Context) (*table.Handle, error) {
	base, err := resolveBase()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(base)
	if err != nil {
		return nil, err
	}
	return table.Connect(ctx, base, cfg, table.ConnectOptions{
		Logger:  logging.Global(),
		Metrics: metrics.Default(),
	})
}

// findStage returns the instant at requestedTime in state. An empty state
// picks the latest stage present.
func findStage(tl *timeline.ActiveTimeline, requestedTime string, state model.State) (model.Instant, error) {
	stages := tl.Stages().Find(requestedTime)
	if len(stages) == 0 {
		return model.Instant{}, errclass.ErrNotFound.WithMessagef("no instant at %s", requestedTime)
	}
	if state == "" {
		return stages[len(stages)-1], nil
	}
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i].State == state {
			return stages[i], nil
		}
	}
	return model.Instant{}, errclass.ErrNotFound.WithMessagef("no %s instant at %s", state, requestedTime)
}

// payloadCodec checks payloads before they are written.
var payloadCodec codec.Codec = codec.JSON{}

// readInput loads a payload from path, or stdin when path is "-". An empty
// path yields nil. The bytes are stored as given once they decode.
func readInput(path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return nil, nil
	case "-":
		data, err = io.ReadAll(os.Stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var doc any
	if err := payloadCodec.Decode(data, &doc); err != nil {
		return nil, errclass.ErrValidation.WithMessagef("payload %s: %v", path, err)
	}
	return data, nil
}

func parseState(s string) (model.State, error) {
	if s == "" {
		return "", nil
	}
	state, ok := model.ParseState(strings.ToUpper(s))
	if !ok {
		return "", errclass.ErrValidation.WithMessagef("unknown state %q (requested, inflight or completed)", s)
	}
	return state, nil
}

func parseAction(s string) (model.Action, error) {
	action, ok := model.ParseAction(s)
	if !ok {
		return "", errclass.ErrValidation.WithMessagef("unknown action %q", s)
	}
	return action, nil
}
