// Package jsonl builds and consumes the line-delimited files bulk operations
// exchange with the platform.
package jsonl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowmend/api/internal/model"
)

// DefaultChunkBytes keeps each mutation input file under the platform's
// per-file upload limit.
const DefaultChunkBytes = 95 * 1024 * 1024

// Record is one metafieldsSet input line.
type Record struct {
	OwnerID   string `json:"ownerId"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	Value     string `json:"value"`
}

// ParseValue normalizes a raw value string for the declared metafield type.
// Malformed integer and JSON values are hard validation errors, never
// silently coerced.
func ParseValue(raw string, t model.MetafieldType) (string, error) {
	switch t {
	case model.MetafieldTypeBoolean:
		switch strings.ToLower(raw) {
		case "true", "1", "yes":
			return "true", nil
		default:
			return "false", nil
		}

	case model.MetafieldTypeInteger:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return "", fmt.Errorf("invalid number_integer value: %s", raw)
		}
		return strconv.Itoa(n), nil

	case model.MetafieldTypeJSON:
		var parsed interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return "", fmt.Errorf("invalid json value: %s", raw)
		}
		canonical, err := json.Marshal(parsed)
		if err != nil {
			return "", fmt.Errorf("invalid json value: %s", raw)
		}
		return string(canonical), nil

	default:
		// single_line_text_field passes through verbatim
		return raw, nil
	}
}

// BuildLine serializes one mutation input line (newline included).
func BuildLine(ownerID string, job *model.Job) (string, error) {
	value, err := ParseValue(job.Value, job.Type)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(Record{
		OwnerID:   ownerID,
		Namespace: job.Namespace,
		Key:       job.Key,
		Type:      string(job.Type),
		Value:     value,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal mutation line: %w", err)
	}
	return string(data) + "\n", nil
}

// BuildChunks turns the matched owner ids into JSONL chunks of at most
// chunkBytes each. A record is never split across chunks; a single record
// larger than chunkBytes becomes a chunk of its own.
func BuildChunks(ownerIDs []string, job *model.Job, chunkBytes int) ([][]string, error) {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}

	var chunks [][]string
	var current []string
	currentSize := 0

	for _, id := range ownerIDs {
		line, err := BuildLine(id, job)
		if err != nil {
			return nil, err
		}
		lineSize := len(line)

		if currentSize+lineSize > chunkBytes && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentSize = 0
		}

		current = append(current, line)
		currentSize += lineSize
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks, nil
}
