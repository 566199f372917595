package spawn

import (
	"strings"
	"sync"
	"testing"
)

func TestParseReadyLine(t *testing.T) {
	cases := []struct {
		in   string
		url  string
		ok   bool
	}{
		{"opencode server listening on http://127.0.0.1:45871", "http://127.0.0.1:45871", true},
		{"  opencode server listening on http://127.0.0.1:45871/", "http://127.0.0.1:45871", true},
		{"opencode server listening", "", false},
		{"something else http://127.0.0.1:1", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		url, ok := parseReadyLine(c.in)
		if ok != c.ok || url != c.url {
			t.Errorf("parseReadyLine(%q) = %q, %v, want %q, %v", c.in, url, ok, c.url, c.ok)
		}
	}
}

func TestPortFromURL(t *testing.T) {
	if got := portFromURL("http://127.0.0.1:45871"); got != 45871 {
		t.Errorf("port = %d", got)
	}
	if got := portFromURL("http://nohost"); got != 0 {
		t.Errorf("port = %d, want 0 for missing port", got)
	}
}

// The output pipeline must close its line channel once both scanners hit
// EOF, so the post-readiness drain loop can terminate with the child.
func TestLinePipelineClosesAtEOF(t *testing.T) {
	lines := make(chan string, 32)
	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() { defer scanners.Done(); scanLines(strings.NewReader("out line\n"), lines) }()
	go func() { defer scanners.Done(); scanLines(strings.NewReader("err line\n"), lines) }()
	go func() {
		scanners.Wait()
		close(lines)
	}()

	// Ranges forever unless the channel is closed.
	n := 0
	for range lines {
		n++
	}
	if n != 2 {
		t.Errorf("lines seen = %d, want 2", n)
	}
}
