package logging

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitAndReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gateway.log")
	Init(path)
	defer Close()

	for i := 0; i < 10; i++ {
		log.Printf("[test] line %d", i)
	}

	tail, err := ReadTail(3)
	if err != nil {
		t.Fatalf("ReadTail() error: %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), tail)
	}
	for i, want := range []int{7, 8, 9} {
		if !strings.HasSuffix(lines[i], fmt.Sprintf("[test] line %d", want)) {
			t.Errorf("line %d = %q", i, lines[i])
		}
	}
}

func TestReadTail_Disabled(t *testing.T) {
	Close()
	mu.Lock()
	logPath = ""
	mu.Unlock()

	tail, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail() error: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty tail, got %q", tail)
	}
}
