package history

import (
	"fmt"
	"testing"

	"github.com/quincenote/quince/internal/vault"
)

func TestRecordAndList(t *testing.T) {
	r := New()
	r.Record("n1", "Note", "first")
	r.Record("n1", "Note", "second")

	snaps := r.List("n1")
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[0].Content != "first" || snaps[1].Content != "second" {
		t.Errorf("order = %q,%q, want oldest first", snaps[0].Content, snaps[1].Content)
	}
	if snaps[0].NodeID != "n1" || snaps[0].Name != "Note" {
		t.Errorf("snapshot metadata = %q/%q", snaps[0].NodeID, snaps[0].Name)
	}
	if snaps[0].ID == snaps[1].ID {
		t.Error("snapshots share an id")
	}
}

func TestIdenticalContentSkipped(t *testing.T) {
	r := New()
	r.Record("n1", "Note", "same")
	r.Record("n1", "Note", "same")
	r.Record("n1", "Note", "same")

	if got := len(r.List("n1")); got != 1 {
		t.Errorf("snapshots = %d after identical records, want 1", got)
	}

	// Only consecutive duplicates are collapsed.
	r.Record("n1", "Note", "other")
	r.Record("n1", "Note", "same")
	if got := len(r.List("n1")); got != 3 {
		t.Errorf("snapshots = %d, want 3", got)
	}
}

func TestEncryptedContentSkipped(t *testing.T) {
	r := New()
	r.Record("n1", "Note", vault.EnvelopePrefix+"c29tZWNpcGhlcnRleHQ=")
	if got := len(r.List("n1")); got != 0 {
		t.Errorf("snapshots = %d for envelope content, want 0", got)
	}
}

func TestRetentionCap(t *testing.T) {
	r := New()
	for i := 0; i < MaxPerNode+5; i++ {
		r.Record("n1", "Note", fmt.Sprintf("revision %d", i))
	}

	snaps := r.List("n1")
	if len(snaps) != MaxPerNode {
		t.Fatalf("snapshots = %d, want %d", len(snaps), MaxPerNode)
	}
	if snaps[0].Content != "revision 5" {
		t.Errorf("oldest retained = %q, want %q", snaps[0].Content, "revision 5")
	}
	if snaps[len(snaps)-1].Content != fmt.Sprintf("revision %d", MaxPerNode+4) {
		t.Errorf("newest retained = %q", snaps[len(snaps)-1].Content)
	}
}

func TestForgetAndPurge(t *testing.T) {
	r := New()
	r.Record("keep", "A", "a")
	r.Record("drop", "B", "b")
	r.Record("gone", "C", "c")

	r.Forget("gone")
	if got := len(r.List("gone")); got != 0 {
		t.Errorf("forgotten node still has %d snapshots", got)
	}

	r.Purge(map[string]struct{}{"keep": {}})
	if got := len(r.List("keep")); got != 1 {
		t.Errorf("live node lost snapshots: %d", got)
	}
	if got := len(r.List("drop")); got != 0 {
		t.Errorf("dead node kept %d snapshots", got)
	}
}

func TestListIsACopy(t *testing.T) {
	r := New()
	r.Record("n1", "Note", "a")
	r.Record("n1", "Note", "b")
	snaps := r.List("n1")
	snaps[0] = nil
	if again := r.List("n1"); again[0] == nil {
		t.Error("caller mutation of the returned slice reached the recorder")
	}
}
