// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// DecompressionError reports a payload that could not be inflated. It is
// distinct from an ordinary read failure: the row exists but its blob is
// corrupt, which is data-integrity loss an operator needs to hear about, not
// something to silently treat as a miss.
type DecompressionError struct {
	Key string
	Err error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("decompress payload for %s: %v", e.Key, e.Err)
}

func (e *DecompressionError) Unwrap() error { return e.Err }

// compress gzips a payload for storage. Profile bodies are large HTML/JSON
// blobs, typically 5-10x smaller after gzip.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress inflates a stored payload, tagging failures with the row key.
func decompress(key string, data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &DecompressionError{Key: key, Err: err}
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, &DecompressionError{Key: key, Err: err}
	}
	return out, nil
}
