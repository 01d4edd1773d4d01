package log

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/divtosz/prosocial-ai-simulation/internal/sim/env"
)

// ListFiles returns prefix-*.jsonl.zst files in dir. The hour in the name
// sorts lexically, so the result is oldest first.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	slices.Sort(out)
	return out, nil
}

// ReadSteps decodes every entry of one step log file in order and hands it
// to fn. A non-nil error from fn stops the read.
func ReadSteps(path string, fn func(env.StepLogEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for n := 1; ; n++ {
		var entry env.StepLogEntry
		err := dec.Decode(&entry)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: entry %d: %w", filepath.Base(path), n, err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}
