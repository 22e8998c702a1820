package memslot

import "testing"

func newTestInfo() *Info {
	in := NewInfo(1, 4, 2, 1)
	in.Register(0, 1, 0x1000, 0x2000, 0)
	return in
}

func addr(group, slot int, offset uint64) uint64 {
	// slotIDBits=2, groupIDBits=1 -> offset occupies the low 61 bits.
	return (uint64(group) << 63) | (uint64(slot) << 61) | offset
}

func TestValidateInRange(t *testing.T) {
	in := newTestInfo()
	virt, err := in.Validate(0, addr(0, 1, 0x10), 0x20)
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}
	if virt != 0x1010 {
		t.Fatalf("virt = %#x, want %#x", virt, 0x1010)
	}
}

func TestValidateOutOfRange(t *testing.T) {
	in := newTestInfo()
	if _, err := in.Validate(0, addr(0, 1, 0xff0), 0x100); err == nil {
		t.Fatal("expected fault for span extending past slot end")
	}
}

func TestValidateUnregisteredSlot(t *testing.T) {
	in := newTestInfo()
	if _, err := in.Validate(0, addr(0, 2, 0), 1); err == nil {
		t.Fatal("expected fault for unregistered slot")
	}
}

func TestValidateLenExceedsMaxDataChunk(t *testing.T) {
	in := newTestInfo()
	if _, err := in.Validate(0, addr(0, 1, 0), MaxDataChunk+1); err == nil {
		t.Fatal("expected fault for length over MaxDataChunk")
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	in := newTestInfo()
	a := addr(0, 1, 0x40)
	v1, err1 := in.Validate(0, a, 0x10)
	v2, err2 := in.Validate(0, a, 0x10)
	if err1 != err2 || v1 != v2 {
		t.Fatalf("Validate not idempotent: (%#x,%v) vs (%#x,%v)", v1, err1, v2, err2)
	}
}

func TestIDOf(t *testing.T) {
	in := newTestInfo()
	if id := in.IDOf(addr(0, 1, 0x10)); id != 1 {
		t.Fatalf("IDOf = %d, want 1", id)
	}
}

func TestMaxSizeFrom(t *testing.T) {
	in := newTestInfo()
	virt, err := in.Validate(0, addr(0, 1, 0x10), 0x10)
	if err != nil {
		t.Fatalf("unexpected fault: %v", err)
	}
	if got, want := in.MaxSizeFrom(0, virt), uint64(0x1000-0x10); got != want {
		t.Fatalf("MaxSizeFrom = %#x, want %#x", got, want)
	}
}
