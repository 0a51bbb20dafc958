package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/denclaw/denclaw/pkg/denclaw/engine"
)

// archiveTranscript writes the accumulated turn history to durable storage
// before the engine compacts it away. The archive is keyed by the
// human-derived summary name when one exists, falling back to a
// time-derived name. Returns the written path, or "" when archiving is not
// configured.
func archiveTranscript(dir, summary string, events []engine.Event) (string, error) {
	if dir == "" || len(events) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}

	name := slugify(summary)
	if name == "" {
		name = "transcript-" + time.Now().Format("20060102-150405")
	}
	path := filepath.Join(dir, name+".jsonl")

	// Never overwrite an earlier archive with the same name.
	for i := 2; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.jsonl", name, i))
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return "", fmt.Errorf("writing archive: %w", err)
		}
	}
	return path, nil
}

// slugify derives a filesystem-safe name from a summary.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 60 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
