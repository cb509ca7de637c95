package protocol

import (
	"errors"
	"testing"
)

func TestReassemblerNextRecord(t *testing.T) {
	var r Reassembler

	if _, ok := r.NextRecord(); ok {
		t.Fatal("expected no record from empty buffer")
	}

	// A record split across fragments only completes on the delimiter.
	r.Append([]byte("photo_001"))
	if _, ok := r.NextRecord(); ok {
		t.Fatal("expected no record before delimiter")
	}
	r.Append([]byte(".bin,2048;par"))

	rec, ok := r.NextRecord()
	if !ok {
		t.Fatal("expected a complete record")
	}
	if rec != "photo_001.bin,2048" {
		t.Errorf("record = %q, want %q", rec, "photo_001.bin,2048")
	}
	if r.Pending() != len("par") {
		t.Errorf("pending = %d, want %d", r.Pending(), len("par"))
	}
}

func TestReassemblerNextLine(t *testing.T) {
	var r Reassembler
	r.Append([]byte("1048576,262144\r\nrest"))

	line, ok := r.NextLine()
	if !ok {
		t.Fatal("expected a complete line")
	}
	if line != "1048576,262144" {
		t.Errorf("line = %q, want %q", line, "1048576,262144")
	}
	if r.Pending() != len("rest") {
		t.Errorf("pending = %d, want %d", r.Pending(), len("rest"))
	}
}

func TestReassemblerConsumeToken(t *testing.T) {
	var r Reassembler

	if r.ConsumeToken("DONE") {
		t.Fatal("token found in empty buffer")
	}

	// Tokens may ride behind other data in the same fragment.
	r.Append([]byte("file.bin,10;END_LIST"))
	if r.ConsumeToken("DONE") {
		t.Fatal("found token that is not buffered")
	}
	if _, ok := r.NextRecord(); !ok {
		t.Fatal("expected record before token")
	}
	if !r.ConsumeToken("END_LIST") {
		t.Fatal("expected END_LIST token")
	}
	if r.Pending() != 0 {
		t.Errorf("pending = %d after consuming everything", r.Pending())
	}
}

func TestReassemblerReset(t *testing.T) {
	var r Reassembler
	r.Append([]byte("leftover partial"))
	r.Reset()
	if r.Pending() != 0 {
		t.Errorf("pending = %d after reset, want 0", r.Pending())
	}
}

func TestParseFileRecord(t *testing.T) {
	tests := []struct {
		name    string
		rec     string
		want    FileInfo
		wantErr bool
	}{
		{name: "valid", rec: "image.bin,2048", want: FileInfo{Name: "image.bin", Size: 2048}},
		{name: "zero size", rec: "empty.bin,0", want: FileInfo{Name: "empty.bin", Size: 0}},
		{name: "missing comma", rec: "badrecord", wantErr: true},
		{name: "empty name", rec: ",100", wantErr: true},
		{name: "non-numeric size", rec: "x.bin,big", wantErr: true},
		{name: "negative size", rec: "x.bin,-5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFileRecord(tt.rec)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRecord) {
					t.Fatalf("err = %v, want ErrMalformedRecord", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseStorageSpace(t *testing.T) {
	space, err := parseStorageSpace("1048576,262144")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if space.Total != 1048576 || space.Used != 262144 {
		t.Errorf("space = %+v", space)
	}

	for _, bad := range []string{"", "12345", "a,b", "-1,0"} {
		if _, err := parseStorageSpace(bad); err == nil {
			t.Errorf("parseStorageSpace(%q) succeeded, want error", bad)
		}
	}
}
