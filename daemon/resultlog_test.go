// Copyright 2024 The nixrs Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResultLogDeliversLogsThenResult(t *testing.T) {
	rl := NewResultLog[int]()
	go func() {
		rl.Log(LogMessage{Type: LogNext, Text: "one"})
		rl.Log(LogMessage{Type: LogNext, Text: "two"})
		rl.Finish(42, nil)
	}()

	var texts []string
	for msg := range rl.Logs() {
		texts = append(texts, msg.Text)
	}
	val, err := rl.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if val != 42 {
		t.Errorf("Wait() val = %d; want 42", val)
	}
	if len(texts) != 2 || texts[0] != "one" || texts[1] != "two" {
		t.Errorf("logs = %v", texts)
	}
}

func TestResultLogDrainDiscardsLogs(t *testing.T) {
	rl := NewResultLog[string]()
	go func() {
		rl.Log(LogMessage{Type: LogNext, Text: "noise"})
		rl.Finish("done", nil)
	}()
	val, err := rl.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if val != "done" {
		t.Errorf("Drain() = %q; want %q", val, "done")
	}
}

func TestResultLogPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	rl := NewResultLog[struct{}]()
	rl.Finish(struct{}{}, wantErr)
	if _, err := rl.Wait(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Wait() err = %v; want %v", err, wantErr)
	}
}

func TestResultLogWaitRespectsCanceledContext(t *testing.T) {
	rl := NewResultLog[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rl.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() err = %v; want context.Canceled", err)
	}
	// Finish must still be safe to call even though nothing is draining
	// Logs anymore; Log uses the done channel to avoid blocking forever.
	rl.Log(LogMessage{Type: LogNext, Text: "late"})
	rl.Finish(1, nil)
}

func TestResultLogHandlesMoreLogsThanChannelBuffer(t *testing.T) {
	rl := NewResultLog[int]()
	const n = 32 // larger than the internal channel buffer
	go func() {
		for i := 0; i < n; i++ {
			rl.Log(LogMessage{Type: LogNext, Text: "x"})
		}
		rl.Finish(n, nil)
	}()

	done := make(chan struct{})
	var count int
	go func() {
		defer close(done)
		for range rl.Logs() {
			count++
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("draining Logs() did not complete")
	}
	val, err := rl.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if val != n || count != n {
		t.Errorf("count = %d, val = %d; want both %d", count, val, n)
	}
}
