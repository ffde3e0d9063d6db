package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kalambet/recall/internal/memory"
)

// ReadJSONL parses one {"prompt": ..., "response": ...} object per line.
// Blank lines are skipped; a line without a prompt is an error.
func ReadJSONL(r io.Reader) ([]memory.Pair, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var out []memory.Pair
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec struct {
			Prompt   string `json:"prompt"`
			Response string `json:"response"`
		}
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Prompt == "" {
			return nil, fmt.Errorf("line %d: prompt is required", line)
		}
		out = append(out, memory.Pair{Prompt: rec.Prompt, Response: rec.Response})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return out, nil
}

// Chunk splits pairs into slices of at most size elements.
func Chunk(pairs []memory.Pair, size int) [][]memory.Pair {
	if size <= 0 {
		size = len(pairs)
	}
	var out [][]memory.Pair
	for len(pairs) > 0 {
		n := min(size, len(pairs))
		out = append(out, pairs[:n])
		pairs = pairs[n:]
	}
	return out
}
