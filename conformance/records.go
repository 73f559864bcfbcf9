// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// RecordFileEnv is the environment variable the conformance worker reads its
// record file path from.
const RecordFileEnv = "REPORTBRIDGE_RECORD_FILE"

type recorder struct {
	path string
	mu   sync.Mutex
}

func newRecorder(path string) *recorder {
	return &recorder{path: path}
}

// append writes one JSON line. Each line is a single write to an O_APPEND
// file, so a reader never sees half a record.
func (r *recorder) append(rec Record) error {
	if r == nil || r.path == "" {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening record file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing record: %w", err)
	}
	return f.Close()
}

// ReadRecords reads every record written to path so far. A missing file
// yields no records.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Filter returns the records with the given op.
func Filter(recs []Record, op Op) []Record {
	var out []Record
	for _, r := range recs {
		if r.Op == op {
			out = append(out, r)
		}
	}
	return out
}
