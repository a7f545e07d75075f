package activity

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecoder_ParsesNamedAndMultilineEvents(t *testing.T) {
	raw := ": keepalive\n" +
		"event: connected\n" +
		"data: {}\n" +
		"\n" +
		"id: 7\r\n" +
		"event: location_update\r\n" +
		"data: {\"a\":1,\r\n" +
		"data: \"b\":2}\r\n" +
		"\r\n" +
		"retry: 3000\n" +
		"\n"
	dec := newDecoder(strings.NewReader(raw))

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if first.Name != "connected" || first.Data != "{}" {
		t.Fatalf("unexpected first event: %+v", first)
	}

	second, err := dec.Next()
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if second.Name != "location_update" || second.ID != "7" {
		t.Fatalf("unexpected second event: %+v", second)
	}
	if second.Data != "{\"a\":1,\n\"b\":2}" {
		t.Fatalf("unexpected joined data: %q", second.Data)
	}

	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after retry-only block, got %v", err)
	}
}
