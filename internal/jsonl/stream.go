package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
)

const (
	// First N failing lines kept as the error preview.
	MaxErrorLines = 50
	// Absolute byte ceiling on the stored preview.
	MaxPreviewBytes = 10 * 1024
	// TruncationMarker is appended when the preview hits the byte ceiling.
	TruncationMarker = "\n... (truncated)"

	// Result lines are small JSON objects; 1 MB of headroom is generous.
	maxLineBytes = 1024 * 1024
)

// Processor streams remote result files line by line. Files can run to
// hundreds of thousands of lines, so nothing is ever held in memory beyond
// the current line and the bounded error preview.
type Processor struct {
	httpClient *http.Client
}

func NewProcessor(httpClient *http.Client) *Processor {
	if httpClient == nil {
		// No client timeout: bulk result downloads are long-lived streams,
		// bounded by the request context instead.
		httpClient = &http.Client{}
	}
	return &Processor{httpClient: httpClient}
}

// Counts is the outcome of mutation-result accounting.
type Counts struct {
	Success      int
	Failed       int
	ParseErrors  int
	ErrorPreview *string
}

// stream invokes fn for each non-empty line until fn returns false or the
// file ends.
func (p *Processor) stream(ctx context.Context, url string, fn func(line string) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch result file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("result file fetch failed: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("result file stream error: %w", err)
	}
	return nil
}

// CollectIDs extracts owner ids from a query result file, stopping early once
// maxItems have been collected.
func (p *Processor) CollectIDs(ctx context.Context, url string, maxItems int) ([]string, error) {
	var ids []string
	parseErrors := 0

	err := p.stream(ctx, url, func(line string) bool {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			parseErrors++
			if parseErrors <= 5 {
				log.Printf("[JSONL] Skipping malformed query result line: %.100s", line)
			}
			return true
		}
		if obj.ID != "" {
			ids = append(ids, obj.ID)
		}
		return len(ids) < maxItems
	})
	if err != nil {
		return nil, err
	}

	if parseErrors > 0 {
		log.Printf("[JSONL] Query result stream finished with %d malformed lines", parseErrors)
	}
	return ids, nil
}

// CountMutationResults classifies each mutation result line as success or
// failure (a line fails when it carries userErrors) and retains a bounded
// preview of the first failing lines.
func (p *Processor) CountMutationResults(ctx context.Context, url string) (*Counts, error) {
	counts := &Counts{}
	var errorLines []string

	err := p.stream(ctx, url, func(line string) bool {
		var obj struct {
			UserErrors []json.RawMessage `json:"userErrors"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			counts.ParseErrors++
			if counts.ParseErrors <= 5 {
				log.Printf("[JSONL] Skipping malformed mutation result line: %.100s", line)
			}
			return true
		}

		if len(obj.UserErrors) > 0 {
			counts.Failed++
			if len(errorLines) < MaxErrorLines {
				errorLines = append(errorLines, line)
			}
		} else {
			counts.Success++
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	if len(errorLines) > 0 {
		preview := strings.Join(errorLines, "\n")
		if len(preview) > MaxPreviewBytes {
			preview = preview[:MaxPreviewBytes] + TruncationMarker
		}
		counts.ErrorPreview = &preview
	}

	return counts, nil
}
