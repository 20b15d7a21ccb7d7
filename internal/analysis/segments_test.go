package analysis

import "testing"

func TestValidateSegments(t *testing.T) {
	tests := []struct {
		name     string
		combined string
		full     string
		want     bool
	}{
		{"exact match", "autohandel meier", "autohandel meier", true},
		{"case and spacing ignored", "Auto Handel Meier", "autohandelmeier", true},
		{"mismatch", "autohandel meier", "autohaus meier", false},
		{"empty expectation", "", "anything", false},
		{"empty extraction", "autohandel", "", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateSegments(tt.combined, tt.full); got != tt.want {
				t.Errorf("ValidateSegments(%q, %q) = %v, want %v", tt.combined, tt.full, got, tt.want)
			}
		})
	}
}

func TestSegmentCount(t *testing.T) {
	tests := []struct {
		full string
		want int
	}{
		{"auto handel meier", 3},
		{"single", 1},
		{"", 0},
		{"   ", 0},
	}

	for _, tt := range tests {
		if got := SegmentCount(tt.full); got != tt.want {
			t.Errorf("SegmentCount(%q) = %d, want %d", tt.full, got, tt.want)
		}
	}
}

func TestRotationRoundRobin(t *testing.T) {
	r := NewRotation()
	models := []string{"a", "b", "c"}

	want := []string{"a", "b", "c", "a", "b"}
	for i, w := range want {
		if got := r.Next("stage1", models); got != w {
			t.Fatalf("call %d: got %q, want %q", i, got, w)
		}
	}

	// Stages rotate independently.
	if got := r.Next("stage2", models); got != "a" {
		t.Errorf("stage2 first pick = %q, want %q", got, "a")
	}
}

func TestRotationEmptyList(t *testing.T) {
	if got := NewRotation().Next("stage1", nil); got != "" {
		t.Errorf("Next on empty list = %q, want empty", got)
	}
}
