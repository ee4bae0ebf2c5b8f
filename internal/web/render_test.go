package web

import (
	"bytes"
	"strings"
	"testing"
)

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", map[string]any{
		"AgentConnected": false,
		"AgentSessions":  0,
		"Pending":        3,
		"Active":         1,
		"Total":          int64(42),
		"Timeouts":       int64(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"<title>httpstunnel server</title>", `class="down">no`, "<td>42</td>", "rendered "} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	if err := Render(&bytes.Buffer{}, "nope", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}
