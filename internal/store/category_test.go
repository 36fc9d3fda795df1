package store

import "testing"

func TestRemoveDiacritics(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Lièvre", "Lievre"},
		{"Reh", "Reh"},
		{"Chevêche", "Cheveche"},
		{"jabalí", "jabali"},
		{"deer", "deer"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := RemoveDiacritics(tt.input)
			if result != tt.expected {
				t.Errorf("RemoveDiacritics(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"European-Hare", "european hare"},
		{"european_hare", "european hare"},
		{"RED FOX", "red fox"},
		{"  deer  ", "deer"},
		{"Lièvre-d'Europe", "lievre d'europe"},
		{"", "unknown"},
		{"   ", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := NormalizeCategory(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeCategory(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestCompatibleCategories(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"exact match", "deer", "deer", true},
		{"format variants", "European-Hare", "european hare", true},
		{"diacritics", "Lièvre", "lievre", true},
		{"both unknown", "", "unknown", true},
		{"different species", "deer", "red fox", false},
		{"unknown vs known", "unknown", "deer", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompatibleCategories(tt.a, tt.b); got != tt.want {
				t.Errorf("CompatibleCategories(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
