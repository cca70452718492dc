// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package jsontext canonicalizes JSON and text content. The store compares
// content structurally (a re-upload that only reorders object keys is not a
// change), so every JSON blob is normalized before it is persisted and every
// text blob is sanitized to LF line endings with exactly one trailing
// newline.
package jsontext

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Normalize parses b and re-serializes it in canonical form: compact, object
// keys sorted, numbers preserved verbatim.
func Normalize(b []byte) ([]byte, error) {
	v, err := decode(b)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Equal reports structural equality of two JSON documents, ignoring key
// order and whitespace.
func Equal(a, b []byte) bool {
	va, err := decode(a)
	if err != nil {
		return false
	}
	vb, err := decode(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func decode(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	// trailing garbage after the document is malformed too
	if dec.More() {
		return nil, fmt.Errorf("malformed JSON: trailing data")
	}
	return v, nil
}

// SanitizeText strips carriage returns and guarantees exactly one trailing
// newline.
func SanitizeText(b []byte) []byte {
	out := bytes.ReplaceAll(b, []byte{'\r'}, nil)
	out = bytes.TrimRight(out, "\n")
	return append(out, '\n')
}
