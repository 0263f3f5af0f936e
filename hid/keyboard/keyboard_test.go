package keyboard

import "testing"

type fakeConsumer struct {
	events []Event
}

func (f *fakeConsumer) KeyEvent(e Event) {
	f.events = append(f.events, e)
}

func newTestKeyboard(c Consumer) *Keyboard {
	return &Keyboard{consumer: c}
}

func TestHandleReportKeyDownUp(t *testing.T) {
	c := &fakeConsumer{}
	k := newTestKeyboard(c)

	// 'a' (usage 0x04) pressed.
	k.handleReport([]byte{0, 0, 0x04, 0, 0, 0, 0, 0})

	if len(c.events) != 1 || c.events[0].Usage != 0x04 || !c.events[0].Down {
		t.Fatalf("unexpected events after press: %+v", c.events)
	}

	c.events = nil

	// Released.
	k.handleReport([]byte{0, 0, 0, 0, 0, 0, 0, 0})

	if len(c.events) != 1 || c.events[0].Usage != 0x04 || c.events[0].Down {
		t.Fatalf("unexpected events after release: %+v", c.events)
	}
}

func TestHandleReportModifierDiff(t *testing.T) {
	c := &fakeConsumer{}
	k := newTestKeyboard(c)

	// Left Ctrl held (bit 0).
	k.handleReport([]byte{1, 0, 0, 0, 0, 0, 0, 0})

	if len(c.events) != 1 || c.events[0].Usage != 0xe0 || !c.events[0].Down {
		t.Fatalf("unexpected events on ctrl down: %+v", c.events)
	}

	if !k.ctrlHeld {
		t.Fatal("expected ctrlHeld after left ctrl report")
	}

	c.events = nil
	k.handleReport([]byte{0, 0, 0, 0, 0, 0, 0, 0})

	if len(c.events) != 1 || c.events[0].Usage != 0xe0 || c.events[0].Down {
		t.Fatalf("unexpected events on ctrl up: %+v", c.events)
	}

	if k.ctrlHeld {
		t.Fatal("expected ctrlHeld cleared after release")
	}
}

func TestHotkeyRequiresCtrl(t *testing.T) {
	c := &fakeConsumer{}
	k := newTestKeyboard(c)

	fired := 0
	k.RegisterHotkey(Hotkey{Usage: 0x42, RequireCtrl: true, Action: func() { fired++ }})

	// 0x42 without ctrl: should not fire.
	k.handleReport([]byte{0, 0, 0x42, 0, 0, 0, 0, 0})
	if fired != 0 {
		t.Fatalf("hotkey fired without ctrl held: %d", fired)
	}

	k.handleReport([]byte{0, 0, 0, 0, 0, 0, 0, 0})

	// Hold ctrl, then press 0x42.
	k.handleReport([]byte{1, 0, 0, 0, 0, 0, 0, 0})
	k.handleReport([]byte{1, 0, 0x42, 0, 0, 0, 0, 0})

	if fired != 1 {
		t.Fatalf("expected hotkey to fire once, got %d", fired)
	}
}

func TestHandleReportShortBufferIgnored(t *testing.T) {
	c := &fakeConsumer{}
	k := newTestKeyboard(c)

	k.handleReport([]byte{0, 0, 0})

	if len(c.events) != 0 {
		t.Fatalf("expected no events for short report, got %+v", c.events)
	}
}
