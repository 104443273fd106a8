package bytesize

import "testing"

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		input string
		want  ByteSize
		ok    bool
	}{
		{"1024", 1024, true},
		{"16Mi", 16 * MiB, true},
		{"16MiB", 16 * MiB, true},
		{"64KiB", 64 * KiB, true},
		{"100MB", 100 * MB, true},
		{"1Gi", GiB, true},
		{"1.5Ki", 1536, true},
		{"0", 0, true},
		{" 8 kb ", 8 * KB, true},
		{"", 0, false},
		{"abc", 0, false},
		{"12xb", 0, false},
		{"Mi", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseByteSize(tc.input)
		if tc.ok && err != nil {
			t.Errorf("ParseByteSize(%q) failed: %v", tc.input, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ParseByteSize(%q) accepted, got %d", tc.input, got)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func TestString(t *testing.T) {
	cases := map[ByteSize]string{
		512:      "512B",
		KiB:      "1.00KiB",
		16 * MiB: "16.00MiB",
		2 * GiB:  "2.00GiB",
	}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", uint64(in), got, want)
		}
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("16Mi")); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if b != 16*MiB {
		t.Errorf("got %d, want %d", b, 16*MiB)
	}
	if err := b.UnmarshalText([]byte("nope")); err == nil {
		t.Error("invalid input accepted")
	}
}
