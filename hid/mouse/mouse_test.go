package mouse

import "testing"

func TestBootReportDecode(t *testing.T) {
	buf := []byte{0x05, 0x0a, 0xfe} // buttons 1+4, dx=10, dy=-2

	buttons := buf[0] & 0x07
	dx := int8(buf[1])
	dy := int8(buf[2])

	if buttons != 0x05 {
		t.Fatalf("got buttons %#x", buttons)
	}

	if dx != 10 {
		t.Fatalf("got dx %d", dx)
	}

	if dy != -2 {
		t.Fatalf("got dy %d", dy)
	}
}
