package jsonutil

import (
	"errors"
	"testing"
)

func TestUnmarshalFlexUnwrapsEncodedDocument(t *testing.T) {
	var out struct {
		Status string `json:"status"`
	}
	if err := UnmarshalFlex([]byte(`"{\"status\":\"success\"}"`), &out); err != nil {
		t.Fatalf("UnmarshalFlex() error = %v", err)
	}
	if out.Status != "success" {
		t.Fatalf("Status = %q", out.Status)
	}
	if err := UnmarshalFlex([]byte(`not json`), &out); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOutermost(t *testing.T) {
	got, ok := Outermost(`log {"a":{"b":1}} tail`)
	if !ok || got != `{"a":{"b":1}}` {
		t.Fatalf("Outermost() = %q, %v", got, ok)
	}
	if _, ok := Outermost("} nothing {"); ok {
		t.Fatalf("reversed braces should not match")
	}
}

func TestFindObject(t *testing.T) {
	raw, err := FindObject(`{"pct":10} noise {"status":"done","data":{"x":1}} }`, "status")
	if err != nil {
		t.Fatalf("FindObject() error = %v", err)
	}
	if string(raw) != `{"status":"done","data":{"x":1}}` {
		t.Fatalf("FindObject() = %s", raw)
	}
	if _, err := FindObject(`{"pct":10}`, "status"); !errors.Is(err, ErrNoObject) {
		t.Fatalf("err = %v", err)
	}
}
