package event

import (
	"testing"

	midi "gitlab.com/gomidi/midi/v2"
)

func ev(frame int, key uint8) Event {
	return Event{Frame: frame, Message: midi.NoteOn(0, key, 100)}
}

func frames(events []Event) []int {
	out := make([]int, len(events))
	for i, e := range events {
		out[i] = e.Frame
	}
	return out
}

func TestMergeInterleavesByFrame(t *testing.T) {
	a := []Event{ev(2, 60), ev(5, 61)}
	b := []Event{ev(1, 62), ev(3, 63)}

	got := Merge(nil, a, b)

	want := []int{1, 2, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("merged %d events, want %d", len(got), len(want))
	}
	for i, f := range frames(got) {
		if f != want[i] {
			t.Errorf("event %d at frame %d, want %d", i, f, want[i])
		}
	}
}

func TestMergeTieBreaksBySourceOrder(t *testing.T) {
	a := []Event{ev(4, 60)}
	b := []Event{ev(4, 70)}

	got := Merge(nil, a, b)
	if len(got) != 2 {
		t.Fatalf("merged %d events, want 2", len(got))
	}

	var ch, key, vel uint8
	if !got[0].Message.GetNoteOn(&ch, &key, &vel) || key != 60 {
		t.Errorf("first event key = %d, want 60 (earlier source wins ties)", key)
	}
	if !got[1].Message.GetNoteOn(&ch, &key, &vel) || key != 70 {
		t.Errorf("second event key = %d, want 70", key)
	}

	// Swapping source order must swap the result.
	got = Merge(nil, b, a)
	if !got[0].Message.GetNoteOn(&ch, &key, &vel) || key != 70 {
		t.Errorf("after swap, first event key = %d, want 70", key)
	}
}

func TestMergeStopsAtCapacity(t *testing.T) {
	src := []Event{ev(0, 60), ev(1, 61), ev(2, 62), ev(3, 63)}
	dst := make([]Event, 0, 2)

	got := Merge(dst, src)
	if len(got) != 2 {
		t.Fatalf("merged %d events into cap-2 dst, want 2", len(got))
	}
	if cap(got) != 2 {
		t.Errorf("merge grew dst capacity to %d", cap(got))
	}
	if got[0].Frame != 0 || got[1].Frame != 1 {
		t.Errorf("kept frames %v, want the earliest events", frames(got))
	}
}

func TestMergeTruncatesDst(t *testing.T) {
	dst := []Event{ev(99, 1)}
	got := Merge(dst[:0], []Event{ev(5, 60)})
	if len(got) != 1 || got[0].Frame != 5 {
		t.Fatalf("merge did not replace prior contents: %v", frames(got))
	}
}

func TestMergeEmptySources(t *testing.T) {
	if got := Merge(nil); len(got) != 0 {
		t.Errorf("merge of nothing produced %d events", len(got))
	}
	if got := Merge(nil, nil, []Event{}); len(got) != 0 {
		t.Errorf("merge of empty sources produced %d events", len(got))
	}
}
