package bio

import "testing"

func TestSectorRangeOverlaps(t *testing.T) {
	a := SectorRange{Start: 10, Count: 10} // [10,20)
	tests := []struct {
		name string
		b    SectorRange
		want bool
	}{
		{"disjoint before", SectorRange{Start: 0, Count: 10}, false},
		{"disjoint after", SectorRange{Start: 20, Count: 10}, false},
		{"touching start", SectorRange{Start: 5, Count: 5}, false},
		{"overlap front", SectorRange{Start: 5, Count: 10}, true},
		{"overlap back", SectorRange{Start: 15, Count: 10}, true},
		{"contained", SectorRange{Start: 12, Count: 2}, true},
		{"identical", SectorRange{Start: 10, Count: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps(%v) = %v, want %v", tt.b, got, tt.want)
			}
		})
	}
}

func TestSectorRangeIntersect(t *testing.T) {
	a := SectorRange{Start: 10, Count: 10}
	b := SectorRange{Start: 15, Count: 10}
	got, ok := a.Intersect(b)
	if !ok {
		t.Fatal("expected intersection")
	}
	want := SectorRange{Start: 15, Count: 5}
	if got != want {
		t.Errorf("Intersect = %v, want %v", got, want)
	}

	_, ok = a.Intersect(SectorRange{Start: 100, Count: 1})
	if ok {
		t.Error("expected no intersection")
	}
}

func TestBioEndSector(t *testing.T) {
	b := &Bio{Op: OpWrite, StartSector: 100, NrSectors: 8}
	if got := b.EndSector(); got != 108 {
		t.Errorf("EndSector() = %d, want 108", got)
	}
}

func TestOpString(t *testing.T) {
	cases := map[Op]string{OpRead: "READ", OpWrite: "WRITE", OpDiscard: "DISCARD", OpFlush: "FLUSH"}
	for op, want := range cases {
		if got := op.String(); got != want {
			t.Errorf("Op(%d).String() = %q, want %q", op, got, want)
		}
	}
}
