package contenthash

import "testing"

type sample struct {
	Name  string             `json:"name"`
	Notes []int              `json:"notes"`
	Extra map[string]float64 `json:"extra"`
}

func TestOfIsStable(t *testing.T) {
	a := sample{Name: "a", Notes: []int{1, 2}, Extra: map[string]float64{"x": 1, "y": 2, "z": 3}}
	b := sample{Name: "a", Notes: []int{1, 2}, Extra: map[string]float64{"z": 3, "y": 2, "x": 1}}
	ha, err := Of(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := Of(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected equal hashes, got %s and %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Fatalf("expected hex sha256, got %q", ha)
	}
}

func TestOfDiffers(t *testing.T) {
	ha, _ := Of(sample{Name: "a"})
	hb, _ := Of(sample{Name: "b"})
	if ha == hb {
		t.Fatalf("expected different hashes")
	}
}

func TestOfUnsupported(t *testing.T) {
	if _, err := Of(func() {}); err == nil {
		t.Fatalf("expected error for unsupported value")
	}
}
