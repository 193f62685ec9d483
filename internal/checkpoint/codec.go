package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// Encode serializes and compresses a state.
func Encode(s State) ([]byte, error) {
	stateJSON, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. An empty blob is the zero state of a thread that
// has never been written.
func Decode(blob []byte) (State, error) {
	var s State
	if len(blob) == 0 {
		return s, nil
	}

	gr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return s, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return s, fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &s); err != nil {
		return s, fmt.Errorf("unmarshal state: %w", err)
	}
	if s.Version > Version {
		return State{}, fmt.Errorf("checkpoint version %d is newer than supported %d", s.Version, Version)
	}
	return s, nil
}
