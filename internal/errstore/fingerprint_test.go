package errstore

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"digits to N", "Error 404: file 123 not found", "error N: file N not found"},
		{"whitespace collapse", "  failed   to\tconnect  ", "failed to connect"},
		{"first non-empty line", "\n\npanic: oh no\nstack trace line", "panic: oh no"},
		{"lowercased", "FATAL: Disk Full", "fatal: disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFingerprintEquivalence(t *testing.T) {
	// Inputs differing only in digit sequences or trailing whitespace
	// must collide.
	pairs := [][2]string{
		{"error 42: timeout after 30s", "error 7: timeout after 900s"},
		{"failed to open /tmp/f1.txt", "failed to open /tmp/f99.txt"},
		{"connection refused   ", "connection refused"},
		{"Error: Bad Thing", "error: bad thing"},
	}
	for _, pair := range pairs {
		if Fingerprint(pair[0]) != Fingerprint(pair[1]) {
			t.Errorf("fingerprints differ: %q vs %q", pair[0], pair[1])
		}
	}
}

func TestFingerprintDistinguishes(t *testing.T) {
	if Fingerprint("permission denied") == Fingerprint("connection refused") {
		t.Error("distinct errors collided")
	}
}

func TestFingerprintStable(t *testing.T) {
	// The hash must be deterministic: inputs with the same template hash
	// to the same non-zero value.
	a := Fingerprint("error 1: x")
	b := Fingerprint("error 2: x")
	if a != b {
		t.Fatal("digit normalization broken")
	}
	if a == 0 {
		t.Error("fingerprint should not be zero for non-empty input")
	}
}

func TestExtractFingerprints(t *testing.T) {
	text := "build log:\nerror: missing semicolon\ncompiling...\nerror: missing semicolon\npanic: index out of range"
	fps := ExtractFingerprints(text, 5)
	if len(fps) != 2 {
		t.Errorf("got %d fingerprints, want 2 (deduplicated)", len(fps))
	}
	if got := ExtractFingerprints("all clean here", 5); len(got) != 0 {
		t.Errorf("clean text produced %d fingerprints", len(got))
	}
}
