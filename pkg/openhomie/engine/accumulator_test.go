package engine

import (
	"fmt"
	"testing"

	"github.com/jholhewres/openhomie/pkg/openhomie/config"
)

func accMsg(chatID, text string) IncomingMessage {
	return IncomingMessage{Channel: "cli", ChatID: chatID, Text: text}
}

func TestAccumulatorZeroConfig(t *testing.T) {
	a := NewAccumulator(ZeroDebounceConfig)
	for i := 0; i < 5; i++ {
		d := a.Offer(accMsg("c", fmt.Sprintf("msg %d", i)))
		if d.DebounceMs != 0 {
			t.Fatalf("zero config must never debounce, got %d", d.DebounceMs)
		}
		if !d.FlushNow {
			t.Fatal("zero config must flush immediately")
		}
		a.Drain("c")
	}
}

func TestAccumulatorCommandIsolation(t *testing.T) {
	a := NewAccumulator(config.AccumulatorConfig{DMWindowMs: 1000, MaxWaitMs: 5000, MaxMessages: 10})
	a.Offer(accMsg("c", "some chatter"))
	a.Offer(accMsg("c", "more chatter"))

	d := a.Offer(accMsg("c", "/status"))
	if !d.FlushNow || d.IncludePrior {
		t.Fatalf("command must flush alone: %+v", d)
	}
	batch := a.Drain("c")
	if len(batch) != 1 || batch[0].Text != "/status" {
		t.Fatalf("batch = %+v", batch)
	}
}

func TestAccumulatorInstantFlushKeepsPrior(t *testing.T) {
	a := NewAccumulator(config.AccumulatorConfig{GroupWindowMs: 1000, MaxWaitMs: 5000, MaxMessages: 10})

	m1 := accMsg("g", "part one")
	m1.IsGroup = true
	a.Offer(m1)

	m2 := accMsg("g", "@homie what do you think")
	m2.IsGroup = true
	m2.Mentioned = true
	d := a.Offer(m2)
	if !d.FlushNow || !d.IncludePrior {
		t.Fatalf("mention must flush with prior context: %+v", d)
	}
	if batch := a.Drain("g"); len(batch) != 2 {
		t.Fatalf("batch = %+v", batch)
	}

	m3 := accMsg("c", "look at this")
	m3.Attachments = []Attachment{{Kind: "image", Path: "/tmp/p.png"}}
	if d := a.Offer(m3); !d.FlushNow || !d.IncludePrior {
		t.Fatalf("attachment must flush: %+v", d)
	}
}

func TestAccumulatorContinuationStretchesWindow(t *testing.T) {
	cfg := config.AccumulatorConfig{DMWindowMs: 1000, MaxWaitMs: 60000, MaxMessages: 50, ContinuationMultiplier: 2.5}

	cases := []struct {
		text string
		want int
	}{
		{"done talking now.", 1000},
		{"i was thinking and", 2500},
		{"wait…", 2500},
		{"first this,", 2500},
		{"hm", 2500}, // short, no terminal punctuation
	}
	for _, c := range cases {
		a := NewAccumulator(cfg)
		d := a.Offer(accMsg("c", c.text))
		if d.FlushNow {
			t.Errorf("%q flushed early", c.text)
		}
		if d.DebounceMs != c.want {
			t.Errorf("%q debounce = %d, want %d", c.text, d.DebounceMs, c.want)
		}
	}
}

func TestContinuationSignalCountsRunes(t *testing.T) {
	// 20 bytes but only 16 runes; byte-length math used to miss this one.
	if !hasContinuationSignal("é né você vem aí") {
		t.Error("short accented text must read as unfinished")
	}
	if hasContinuationSignal("tá bom, fechado então, até amanhã!") {
		t.Error("finished sentence must not read as unfinished")
	}
	if !hasContinuationSignal("valeu demais 🙏") {
		t.Error("short text ending in an emoji must read as unfinished")
	}
}

func TestMergeBatch(t *testing.T) {
	if got := MergeBatch(nil); got.Text != "" {
		t.Fatalf("empty batch merged to %+v", got)
	}

	single := accMsg("c", "just this")
	if got := MergeBatch([]IncomingMessage{single}); got.Text != "just this" {
		t.Fatalf("single message changed: %+v", got)
	}

	m1 := accMsg("g", "part one")
	m1.Mentioned = true
	m2 := accMsg("g", "part two")
	m2.Attachments = []Attachment{{Kind: "image", Path: "/tmp/p.png"}}
	m3 := accMsg("g", "and the point")
	m3.MessageID = "last"

	got := MergeBatch([]IncomingMessage{m1, m2, m3})
	if got.Text != "part one\npart two\nand the point" {
		t.Errorf("merged text = %q", got.Text)
	}
	if got.MessageID != "last" {
		t.Errorf("merge must keep the newest envelope, got %q", got.MessageID)
	}
	if !got.Mentioned {
		t.Error("a mention anywhere in the batch must survive the merge")
	}
	if len(got.Attachments) != 1 {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestAccumulatorMaxMessagesFlush(t *testing.T) {
	a := NewAccumulator(config.AccumulatorConfig{DMWindowMs: 1000, MaxWaitMs: 60000, MaxMessages: 3})
	a.Offer(accMsg("c", "one"))
	a.Offer(accMsg("c", "two"))
	d := a.Offer(accMsg("c", "three"))
	if !d.FlushNow {
		t.Fatalf("batch at capacity must flush: %+v", d)
	}
	if batch := a.Drain("c"); len(batch) != 3 {
		t.Fatalf("batch = %+v", batch)
	}
	if again := a.Drain("c"); again != nil {
		t.Fatal("drain must reset the batch")
	}
}
