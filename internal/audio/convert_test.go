package audio

import "testing"

func TestF32ToI16Saturates(t *testing.T) {
	// Spec scenario S5: a capture callback delivering samples of value 1.0
	// must transmit i16::MAX, not an overflowed/wrapped value.
	if got := F32ToI16(1.0); got != math32Max {
		t.Errorf("F32ToI16(1.0): want %d got %d", math32Max, got)
	}
	if got := F32ToI16(2.0); got != math32Max {
		t.Errorf("F32ToI16(2.0) should saturate: want %d got %d", math32Max, got)
	}
	if got := F32ToI16(-1.0); got != -32767 && got != -32768 {
		t.Errorf("F32ToI16(-1.0): got %d", got)
	}
	if got := F32ToI16(-2.0); got != -32768 {
		t.Errorf("F32ToI16(-2.0) should saturate at min: got %d", got)
	}
}

const math32Max = 32767

func TestU16RoundTrip(t *testing.T) {
	cases := []uint16{0, 32768, 65535, 1000}
	for _, u := range cases {
		s := U16ToI16(u)
		if got := I16ToU16(s); got != u {
			t.Errorf("round trip u16 %d: got %d via i16 %d", u, got, s)
		}
	}
}

func TestI16ToF32Range(t *testing.T) {
	if f := I16ToF32(32767); f < 0.999 || f > 1.0 {
		t.Errorf("I16ToF32(32767) out of expected range: %f", f)
	}
	if f := I16ToF32(-32768); f > -0.999 {
		t.Errorf("I16ToF32(-32768) out of expected range: %f", f)
	}
	if I16ToF32(0) != 0 {
		t.Errorf("I16ToF32(0) should be 0")
	}
}
