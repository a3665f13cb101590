package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"

	"go.hackfix.me/dictstep/step"
)

// writeAppliedLog appends a line for each applied step to the file at path.
func (e *Engine) writeAppliedLog(path, runID, prefix string, results []step.Result) error {
	if path == "" {
		return nil
	}

	if err := e.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed creating applied steps log directory: %w", err)
	}

	// Not all vfs implementations support O_APPEND.
	f, err := e.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed opening applied steps log: %w", err)
	}
	defer f.Close()
	if _, err = f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed seeking applied steps log: %w", err)
	}

	logger := slog.New(tint.NewHandler(f, &tint.Options{
		NoColor:    true,
		TimeFormat: time.DateTime,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Time(slog.TimeKey, e.timeNow().UTC())
			}
			return a
		},
	})).With("run_id", runID, "prefix", prefix)

	for _, r := range results {
		logger.Info("applied step", "step", r.String())
	}

	return nil
}
