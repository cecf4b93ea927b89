package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "pewbridge/pkg/logx"
)

func openTest(t *testing.T, cfg Config) Backend {
	t.Helper()
	cfg.Driver = "sqlite"
	cfg.Path = filepath.Join(t.TempDir(), "bridge.db")
	b, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func rec(id, session string, ts int64) Record {
	return Record{
		ID:           id,
		Conversation: "120363@g.us",
		Sender:       "628111@s.whatsapp.net",
		Session:      session,
		Timestamp:    ts,
		Content:      "hi " + id,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	b, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || b != nil {
		t.Fatalf("expected disabled backend, got %v, %v", b, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestSaveFindAndUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t, Config{})

	now := time.Now().Unix()
	n, err := b.SaveMessages(ctx, []Record{rec("M1", "u1", now)})
	if err != nil || n != 1 {
		t.Fatalf("save: n=%d err=%v", n, err)
	}

	updated := rec("M1", "u1", now)
	updated.Content = "edited"
	updated.Media = &Media{Type: "image", Caption: "pic"}
	if _, err := b.SaveMessages(ctx, []Record{updated}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := b.FindMessage(ctx, "M1", "u1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Content != "edited" || got.MediaType() != "image" || got.Media.Caption != "pic" {
		t.Fatalf("unexpected record %+v", got)
	}
	if c, _ := b.CountMessages(ctx); c != 1 {
		t.Fatalf("upsert created a duplicate: count=%d", c)
	}

	if _, err := b.FindMessage(ctx, "M1", "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other session, got %v", err)
	}
	if _, err := b.FindMessage(ctx, "M1", ""); err != nil {
		t.Fatalf("unscoped find: %v", err)
	}
}

func TestSaveSkipsInvalidTimestamps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t, Config{})

	future := time.Now().Add(5 * 365 * 24 * time.Hour).Unix()
	n, err := b.SaveMessages(ctx, []Record{rec("A", "u1", 0), rec("B", "u1", future), rec("C", "u1", time.Now().Unix())})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("saved=%d want 1", n)
	}
}

func TestWriterPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t, Config{Writers: WriterPolicy{SingleWriterPrefix: "3EB0", PrefixMax: 1, DefaultMax: 2}})
	now := time.Now().Unix()

	mustSave := func(r Record, want int) {
		t.Helper()
		n, err := b.SaveMessages(ctx, []Record{r})
		if err != nil {
			t.Fatalf("save %s/%s: %v", r.ID, r.Session, err)
		}
		if n != want {
			t.Fatalf("save %s/%s: saved=%d want %d", r.ID, r.Session, n, want)
		}
	}

	mustSave(rec("X", "u1", now), 1)
	// Prefixed writers are capped at a single copy of any id.
	mustSave(rec("X", "3EB0aa", now), 0)
	mustSave(rec("Y", "3EB0aa", now), 1)
	// Existing holders may always update.
	mustSave(rec("Y", "3EB0aa", now), 1)

	mustSave(rec("X", "u2", now), 1)
	mustSave(rec("X", "u3", now), 0)
	mustSave(rec("X", "u1", now), 1)
}

func TestDeleteTombstonesAndRenumbers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t, Config{})
	now := time.Now().Unix()

	for i, id := range []string{"A", "B", "C"} {
		if _, err := b.SaveMessages(ctx, []Record{rec(id, "u1", now+int64(i))}); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := b.DeleteMessages(ctx, "B", "u1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(deleted) != 1 || !deleted[0].Deleted || deleted[0].ID != "B" {
		t.Fatalf("unexpected deleted rows %+v", deleted)
	}

	again, err := b.DeleteMessages(ctx, "B", "u1")
	if err != nil || len(again) != 0 {
		t.Fatalf("second delete should be a no-op: %v %v", again, err)
	}

	c, err := b.FindMessage(ctx, "C", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Seq != 2 {
		t.Fatalf("expected C renumbered to 2, got %d", c.Seq)
	}

	if dead, _ := b.IsTombstoned(ctx, "B", "u1"); !dead {
		t.Fatal("expected tombstone for B")
	}
	if n, _ := b.SaveMessages(ctx, []Record{rec("B", "u1", now)}); n != 0 {
		t.Fatal("deleted message was resurrected")
	}
}

func TestRebuildKeepsNewestRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t, Config{RebuildThreshold: 4, RebuildKeep: 2})
	now := time.Now().Unix()

	for i, id := range []string{"A", "B", "C", "D", "E"} {
		if _, err := b.SaveMessages(ctx, []Record{rec(id, "u1", now+int64(i))}); err != nil {
			t.Fatal(err)
		}
	}
	// Five rows exceed the threshold; the next save rebuilds first.
	if _, err := b.SaveMessages(ctx, []Record{rec("F", "u1", now+10)}); err != nil {
		t.Fatal(err)
	}
	if c, _ := b.CountMessages(ctx); c != 3 {
		t.Fatalf("count=%d want 3", c)
	}
	if _, err := b.FindMessage(ctx, "A", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("oldest row survived rebuild")
	}
	d, err := b.FindMessage(ctx, "D", "u1")
	if err != nil || d.Seq != 1 {
		t.Fatalf("expected D at seq 1, got %+v %v", d, err)
	}
}

func TestLoadDedupsByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t, Config{})
	now := time.Now().Unix()

	if _, err := b.SaveMessages(ctx, []Record{rec("A", "u1", now), rec("A", "u2", now), rec("B", "u1", now-5)}); err != nil {
		t.Fatal(err)
	}
	recs, err := b.LoadMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
}

func TestMessagesBySender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t, Config{})
	base := time.Now().Unix() - 1000

	var batch []Record
	for i := 0; i < 5; i++ {
		r := rec(string(rune('A'+i)), "u1", base+int64(i*100))
		batch = append(batch, r)
	}
	other := rec("Z", "u1", base)
	other.Sender = "someone-else"
	batch = append(batch, other)
	if _, err := b.SaveMessages(ctx, batch); err != nil {
		t.Fatal(err)
	}

	got, err := b.MessagesBySender(ctx, SenderQuery{Session: "u1", Sender: "628111@s.whatsapp.net", From: base + 150, To: base + 350})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "D" || got[1].ID != "C" {
		t.Fatalf("unexpected window result %+v", got)
	}

	got, err = b.MessagesBySender(ctx, SenderQuery{Session: "u1", Sender: "628111@s.whatsapp.net", Limit: 3})
	if err != nil || len(got) != 3 || got[0].ID != "E" {
		t.Fatalf("unexpected limit result %+v %v", got, err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t, Config{})

	if _, ok, err := b.GetSetting(ctx, "u1"); ok || err != nil {
		t.Fatalf("expected missing setting, ok=%v err=%v", ok, err)
	}
	if err := b.PutSetting(ctx, "u1", []byte(`{"public":false}`)); err != nil {
		t.Fatal(err)
	}
	v, ok, err := b.GetSetting(ctx, "u1")
	if err != nil || !ok || string(v) != `{"public":false}` {
		t.Fatalf("got %q ok=%v err=%v", v, ok, err)
	}
	if err := b.PutSetting(ctx, "u1", []byte(`{broken`)); err == nil {
		t.Fatal("expected invalid JSON to be rejected")
	}
}

func TestWriterPolicyCapDefaults(t *testing.T) {
	t.Parallel()
	p := DefaultWriterPolicy()
	if p.Cap("3EB0123") != 1 || p.Cap("u1") != 200 {
		t.Fatalf("unexpected caps %d %d", p.Cap("3EB0123"), p.Cap("u1"))
	}
	if (WriterPolicy{}).Cap("3EB0123") != 200 {
		t.Fatal("empty prefix must disable the single-writer rule")
	}
}
