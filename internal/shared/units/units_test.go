package units

import "testing"

func TestFormatElapsed(t *testing.T) {
	cases := map[int64]string{
		0:     "00:00:00",
		59:    "00:00:59",
		61:    "00:01:01",
		3600:  "01:00:00",
		3725:  "01:02:05",
		90061: "25:01:01",
		-5:    "00:00:00",
	}
	for in, want := range cases {
		if got := FormatElapsed(in); got != want {
			t.Fatalf("FormatElapsed(%d) = %s, want %s", in, got, want)
		}
	}
}

func TestKilometers(t *testing.T) {
	if got := Kilometers(1234.5); got != 1.23 {
		t.Fatalf("unexpected km: %v", got)
	}
	if got := Kilometers(0); got != 0 {
		t.Fatalf("unexpected km: %v", got)
	}
}

func TestPaceSecondsPerKm(t *testing.T) {
	if got := PaceSecondsPerKm(5000, 1500); got != 300 {
		t.Fatalf("expected 5:00/km, got %v", got)
	}
	if got := PaceSecondsPerKm(0, 100); got != 0 {
		t.Fatalf("expected zero pace without distance, got %v", got)
	}
}
