package events

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(Envelope{Progress: &Progress{Step: "start", Percent: 1}})

	select {
	case env := <-sub:
		if env.Progress == nil || env.Progress.Step != "start" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBrokerSkipsFullSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Envelope{Progress: &Progress{Percent: i}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestTranscriptEndsWithExitCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.txt")
	tr, err := NewTranscript(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Record(Envelope{Progress: &Progress{Step: "start", Percent: 1, Severity: "info"}}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Record(Envelope{Terminal: &Terminal{OK: true, Message: "done"}}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(0); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[len(lines)-1] != "ExitCode=0" {
		t.Fatalf("last line %q", lines[len(lines)-1])
	}
	if !strings.Contains(lines[0], `"step":"start"`) {
		t.Fatalf("first line %q", lines[0])
	}
}
