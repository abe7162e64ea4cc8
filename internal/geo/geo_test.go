package geo

import "testing"

func TestNameFallsBackForUnknownZone(t *testing.T) {
	if got := Name(1); got != "Koramangala" {
		t.Fatalf("expected Koramangala, got %s", got)
	}
	if got := Name(404); got != "Zone 404" {
		t.Fatalf("expected fallback name, got %s", got)
	}
}

func TestDistanceIsAtLeastOne(t *testing.T) {
	if d := Distance(7, 7); d != 1 {
		t.Fatalf("expected 1, got %d", d)
	}
	if d := Distance(2, 9); d != 7 {
		t.Fatalf("expected 7, got %d", d)
	}
}

func TestPickupMinutesBand(t *testing.T) {
	cases := map[[2]int]int{{5, 5}: 2, {5, 8}: 5, {1, 90}: 8}
	for in, want := range cases {
		if got := PickupMinutes(in[0], in[1]); got != want {
			t.Fatalf("PickupMinutes(%d,%d)=%d want %d", in[0], in[1], got, want)
		}
	}
}

func TestZonesOrdered(t *testing.T) {
	zs := Zones()
	if len(zs) != MaxZone {
		t.Fatalf("expected %d zones, got %d", MaxZone, len(zs))
	}
	for i := 1; i < len(zs); i++ {
		if zs[i-1].ID >= zs[i].ID {
			t.Fatalf("zones out of order at %d", i)
		}
	}
}
