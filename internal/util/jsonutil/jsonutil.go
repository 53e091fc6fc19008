// Package jsonutil recovers JSON documents from text that is mostly, but
// not only, JSON: program output with log lines around the result, or a
// document that was encoded a second time as a JSON string.
package jsonutil

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoObject = errors.New("no JSON object found")

// UnmarshalFlex unmarshals raw into v. When raw is a JSON string holding a
// document, the string is unwrapped (at most twice) and decoded instead.
func UnmarshalFlex(raw []byte, v any) error {
	err := json.Unmarshal(raw, v)
	if err == nil {
		return nil
	}
	for i := 0; i < 2; i++ {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return err
		}
		raw = []byte(s)
		if json.Unmarshal(raw, v) == nil {
			return nil
		}
	}
	return err
}

// Outermost returns the text between the first '{' and the last '}'.
func Outermost(text string) (string, bool) {
	first, last := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
	if first < 0 || last <= first {
		return "", false
	}
	return text[first : last+1], true
}

// FindObject returns the first complete object embedded in text that has
// the given top-level key.
func FindObject(text, key string) (json.RawMessage, error) {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&raw); err == nil {
			var fields map[string]json.RawMessage
			if json.Unmarshal(raw, &fields) == nil {
				if _, ok := fields[key]; ok {
					return raw, nil
				}
			}
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, ErrNoObject
}
