package version

import "testing"

func TestIsCompatible(t *testing.T) {
	tests := []struct {
		name         string
		licenseMajor int
		appVersion   string
		want         bool
		wantErr      bool
	}{
		{"same major", 1, "1.2.3", true, false},
		{"same major, zero patch", 1, "1.0.0", true, false},
		{"newer app major", 1, "2.0.0", false, false},
		{"older app major", 2, "1.9.9", false, false},
		{"major only", 1, "1", true, false},
		{"negative license version", -1, "1.0.0", false, true},
		{"empty app version", 1, "", false, true},
		{"garbage app version", 1, "abc.def", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsCompatible(tt.licenseMajor, tt.appVersion)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestExtractMajorVersion(t *testing.T) {
	tests := []struct {
		version string
		want    int
		wantErr bool
	}{
		{"1.2.3", 1, false},
		{"0.1.0", 0, false},
		{"10.0.0", 10, false},
		{"3", 3, false},
		{"", 0, true},
		{"v1.2.3", 0, true},
		{"-1.0.0", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			got, err := ExtractMajorVersion(tt.version)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.version)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}
