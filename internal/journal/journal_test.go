package journal_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/ttsrelay/internal/journal"
	"github.com/MrWong99/ttsrelay/pkg/synth"
	"github.com/MrWong99/ttsrelay/pkg/synth/mock"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "journal.db")
	j, err := journal.Open(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

// ── Storage ──────────────────────────────────────────────────────────────────

func TestRecordAndGet(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := journal.Entry{
		SessionID:  "s-1",
		VoiceID:    "narrator",
		TextLength: 11,
		Bytes:      4096,
		Chunks:     3,
		Outcome:    "completed",
		Started:    started,
		Ended:      started.Add(1500 * time.Millisecond),
	}
	if err := j.Record(ctx, want); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := j.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Errorf("Get = %+v\nwant %+v", got, want)
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	if _, err := j.Get(context.Background(), "missing"); !errors.Is(err, journal.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecent_OrderAndLimit(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		e := journal.Entry{SessionID: id, Outcome: "completed", Started: base, Ended: base.Add(time.Duration(i) * time.Second)}
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s): %v", id, err)
		}
	}

	got, err := j.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"d", "c", "b"} {
		if got[i].SessionID != want {
			t.Errorf("Recent[%d] = %q, want %q", i, got[i].SessionID, want)
		}
	}
}

func TestRecord_ReplacesSameSession(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()

	now := time.Now()
	_ = j.Record(ctx, journal.Entry{SessionID: "dup", Outcome: "error", Started: now, Ended: now})
	_ = j.Record(ctx, journal.Entry{SessionID: "dup", Outcome: "completed", Started: now, Ended: now})

	got, err := j.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Outcome != "completed" {
		t.Errorf("Recent = %+v", got)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	if err := j.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// ── Feed consumption ─────────────────────────────────────────────────────────

func TestRun_RecordsTerminalEvents(t *testing.T) {
	t.Parallel()
	j := openJournal(t)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make(chan synth.Event, 16)
	events <- synth.Event{Kind: synth.EventStarted, SessionID: "ok", VoiceID: "v", TextLength: 5, Time: t0}
	events <- synth.Event{Kind: synth.EventChunk, SessionID: "ok", Audio: []byte("AB"), Size: 2, Time: t0}
	events <- synth.Event{Kind: synth.EventChunk, SessionID: "ok", Audio: []byte("C"), Size: 3, Time: t0}
	events <- synth.Event{Kind: synth.EventCompleted, SessionID: "ok", Size: 3, Time: t0.Add(time.Second)}
	events <- synth.Event{Kind: synth.EventStarted, SessionID: "bad", TextLength: 2, Time: t0}
	events <- synth.Event{
		Kind: synth.EventError, SessionID: "bad", Time: t0.Add(2 * time.Second),
		Err: synth.ErrUpstream, Message: "voice not found",
	}
	events <- synth.Event{Kind: synth.EventStarted, SessionID: "stop", Time: t0}
	events <- synth.Event{Kind: synth.EventCancelled, SessionID: "stop", Time: t0.Add(3 * time.Second)}
	close(events)

	if err := j.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctx := context.Background()
	ok, err := j.Get(ctx, "ok")
	if err != nil {
		t.Fatalf("Get(ok): %v", err)
	}
	if ok.Outcome != "completed" || ok.Bytes != 3 || ok.Chunks != 2 || ok.TextLength != 5 || ok.VoiceID != "v" {
		t.Errorf("ok entry = %+v", ok)
	}
	if !ok.Ended.Equal(t0.Add(time.Second)) {
		t.Errorf("ok ended = %v", ok.Ended)
	}

	bad, err := j.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("Get(bad): %v", err)
	}
	if bad.Outcome != "error" || bad.ErrorKind != "upstream_error" || bad.Error != "voice not found" {
		t.Errorf("bad entry = %+v", bad)
	}

	stop, err := j.Get(ctx, "stop")
	if err != nil {
		t.Fatalf("Get(stop): %v", err)
	}
	if stop.Outcome != "cancelled" || stop.ErrorKind != "cancelled" {
		t.Errorf("stop entry = %+v", stop)
	}
}

func TestRun_StopsOnContext(t *testing.T) {
	t.Parallel()
	j := openJournal(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- j.Run(ctx, make(chan synth.Event)) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_JournalsBufferedEventsAfterCancel(t *testing.T) {
	t.Parallel()
	j := openJournal(t)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make(chan synth.Event, 2)
	events <- synth.Event{Kind: synth.EventStarted, SessionID: "late", VoiceID: "v", Time: t0}
	events <- synth.Event{Kind: synth.EventCompleted, SessionID: "late", Size: 4, Time: t0.Add(time.Second)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx, events); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	got, err := j.Get(context.Background(), "late")
	if err != nil {
		t.Fatalf("Get(late): %v", err)
	}
	if got.Outcome != "completed" || got.Bytes != 4 {
		t.Errorf("late entry = %+v", got)
	}
}

func TestRun_WithEngine(t *testing.T) {
	t.Parallel()
	j := openJournal(t)

	holder := synth.NewHolder(synth.Params{Enabled: true, VoiceID: "narrator", Speed: 1})
	tr := &mock.Transport{Frames: []synth.Frame{
		mock.JSON(`{"kind":"audio-delta","data":"QUJD"}`),
		mock.JSON(`{"kind":"completed"}`),
	}}
	eng := synth.New(holder, tr, synth.WithIDGenerator(func() string { return "engine-1" }))

	sub := eng.Subscribe(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- j.Run(ctx, sub.C) }()

	if _, err := eng.Synthesize(context.Background(), "Hello", ""); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		e, err := j.Get(context.Background(), "engine-1")
		if err == nil {
			if e.Outcome != "completed" || e.Bytes != 3 || e.TextLength != 5 || e.VoiceID != "narrator" {
				t.Errorf("entry = %+v", e)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry not journaled: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sub.Close()
	if err := <-errc; err != nil {
		t.Errorf("Run after Close = %v, want nil", err)
	}
}
