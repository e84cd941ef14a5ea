package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang/snappy"

	"github.com/bryanveloso/landale-sub013/internal/alert"
)

// ReadSegment rehydrates every envelope recorded in a compressed segment
// file, in append order. Intended for operator inspection of a dumped
// segment (via /admin/eventlog/dump) rather than a hot path.
func ReadSegment(path string) ([]alert.Envelope, error) {
	if path == "" {
		return nil, fmt.Errorf("eventlog: segment path must be provided")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var envelopes []alert.Envelope
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env alert.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("eventlog: decode record: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return envelopes, nil
}
