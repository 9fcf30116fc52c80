package statsview

import "testing"

func TestURL(t *testing.T) {
	if got := URL(""); got != "http://localhost:12600/debug/statsview" {
		t.Fatalf("default URL got %q", got)
	}
	if got := URL("0.0.0.0:9000"); got != "http://0.0.0.0:9000/debug/statsview" {
		t.Fatalf("URL got %q", got)
	}
}
