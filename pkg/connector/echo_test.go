// Copyright 2024-2026 Aiku AI

package connector

import (
	"strconv"
	"testing"
)

func TestEchoSuppressorConsumeOnce(t *testing.T) {
	t.Parallel()
	e := NewEchoSuppressor(8)
	e.Record(NetworkDiscord, "123")

	if !e.Consume(NetworkDiscord, "123") {
		t.Fatal("first Consume should report the recorded id")
	}
	if e.Consume(NetworkDiscord, "123") {
		t.Error("second Consume should not report a consumed id")
	}
}

func TestEchoSuppressorNetworksAreSeparate(t *testing.T) {
	t.Parallel()
	e := NewEchoSuppressor(8)
	e.Record(NetworkMatrix, "$evt")

	if e.Consume(NetworkDiscord, "$evt") {
		t.Error("id recorded for Matrix should not match on Discord")
	}
	if !e.Consume(NetworkMatrix, "$evt") {
		t.Error("id recorded for Matrix should match on Matrix")
	}
}

func TestEchoSuppressorEvictsOldest(t *testing.T) {
	t.Parallel()
	e := NewEchoSuppressor(3)
	for i := range 4 {
		e.Record(NetworkDiscord, strconv.Itoa(i))
	}

	if n := e.Len(NetworkDiscord); n != 3 {
		t.Errorf("Len: got %d, want 3", n)
	}
	if e.Consume(NetworkDiscord, "0") {
		t.Error("oldest id should have been evicted")
	}
	for _, id := range []string{"1", "2", "3"} {
		if !e.Consume(NetworkDiscord, id) {
			t.Errorf("id %s should still be remembered", id)
		}
	}
}

func TestEchoSuppressorIgnoresEmptyAndDuplicates(t *testing.T) {
	t.Parallel()
	e := NewEchoSuppressor(0)
	e.Record(NetworkDiscord, "")
	e.Record(NetworkDiscord, "a")
	e.Record(NetworkDiscord, "a")

	if n := e.Len(NetworkDiscord); n != 1 {
		t.Errorf("Len: got %d, want 1", n)
	}
}
