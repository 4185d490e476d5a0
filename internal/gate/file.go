package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"taskweave/internal/plan"
)

// FileOperator exchanges decisions through the session's decisions directory.
// Ask writes <id>.json describing the decision and waits for an operator (or
// any external tool) to write the chosen option value into <id>.answer. This
// is how detached sessions take answers without a terminal attached.
type FileOperator struct {
	dir    string
	logger *zap.Logger
}

// NewFileOperator watches the given directory for answer files.
func NewFileOperator(dir string, logger *zap.Logger) *FileOperator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileOperator{dir: dir, logger: logger}
}

func (f *FileOperator) Ask(ctx context.Context, d *plan.Decision) (string, error) {
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create decision directory: %w", err)
	}
	request := filepath.Join(f.dir, d.ID+".json")
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode decision request: %w", err)
	}
	if err := os.WriteFile(request, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write decision request: %w", err)
	}
	f.logger.Info("decision written, waiting for answer file",
		zap.String("decision", d.ID),
		zap.String("answer_file", d.ID+".answer"))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.dir); err != nil {
		return "", fmt.Errorf("failed to watch decision directory: %w", err)
	}

	answerPath := filepath.Join(f.dir, d.ID+".answer")
	// The answer may already be on disk, or may have landed between the
	// request write and the watch registration.
	if answer, ok := f.validAnswer(d, answerPath); ok {
		return answer, nil
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("decision watcher closed")
			}
			if event.Name != answerPath {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if answer, ok := f.validAnswer(d, answerPath); ok {
				return answer, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("decision watcher closed")
			}
			f.logger.Warn("decision watcher error", zap.Error(err))
		}
	}
}

// validAnswer reads the answer file and checks it names one of the offered
// options. An answer outside the options is logged and ignored so the
// operator can rewrite the file.
func (f *FileOperator) validAnswer(d *plan.Decision, path string) (string, bool) {
	answer, ok := readAnswer(path)
	if !ok {
		return "", false
	}
	if len(d.Options) == 0 {
		return answer, true
	}
	for _, opt := range d.Options {
		if opt.Value == answer {
			return answer, true
		}
	}
	f.logger.Warn("answer file names an unknown option, waiting for a rewrite",
		zap.String("decision", d.ID),
		zap.String("answer", answer))
	return "", false
}

// readAnswer returns the first line of the answer file. An empty file is
// treated as still being written.
func readAnswer(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	answer := strings.TrimSpace(string(data))
	if answer == "" {
		return "", false
	}
	if i := strings.IndexByte(answer, '\n'); i >= 0 {
		answer = strings.TrimSpace(answer[:i])
	}
	return answer, true
}
