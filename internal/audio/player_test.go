package audio

import "testing"

func TestPlayerEnqueueDecodesLittleEndian(t *testing.T) {
	p := &Player{buf: make([]int16, 4)}

	p.Enqueue([]byte{0x01, 0x00, 0xfe, 0xff, 0xff, 0x7f})
	if got := p.Pending(); got != 3 {
		t.Fatalf("expected 3 pending samples, got %d", got)
	}

	p.fill()
	want := []int16{1, -2, 32767, 0}
	for i, s := range want {
		if p.buf[i] != s {
			t.Fatalf("buf[%d] = %d, want %d", i, p.buf[i], s)
		}
	}
	if got := p.Pending(); got != 0 {
		t.Fatalf("expected drained queue, got %d pending", got)
	}
}

func TestPlayerFillPadsSilence(t *testing.T) {
	p := &Player{buf: []int16{9, 9, 9, 9}}

	p.fill()
	for i, s := range p.buf {
		if s != 0 {
			t.Fatalf("buf[%d] = %d, want silence", i, s)
		}
	}
}

func TestPlayerFillDrainsInOrder(t *testing.T) {
	p := &Player{buf: make([]int16, 2)}
	p.Enqueue([]byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00, 0x05, 0x00})

	var got []int16
	for p.Pending() > 0 {
		p.fill()
		got = append(got, p.buf...)
	}
	want := []int16{1, 2, 3, 4, 5, 0}
	if len(got) != len(want) {
		t.Fatalf("drained %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}
