package jobs_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/easel-dev/easel/internal/jobs"
)

func TestOutputFrameRoundTrip(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}
	frame, err := jobs.EncodeOutputFrame("01JABCDEF0123456789ABCDEFG", payload)
	if err != nil {
		t.Fatalf("EncodeOutputFrame: %v", err)
	}
	if len(frame) != jobs.OutputIDSize+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), jobs.OutputIDSize+len(payload))
	}

	id, data, err := jobs.DecodeOutputFrame(frame)
	if err != nil {
		t.Fatalf("DecodeOutputFrame: %v", err)
	}
	if id != "01JABCDEF0123456789ABCDEFG" {
		t.Errorf("decoded id = %q", id)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("decoded payload = %v, want %v", data, payload)
	}
}

func TestOutputFrameFullWidthID(t *testing.T) {
	id := strings.Repeat("x", jobs.OutputIDSize)
	frame, err := jobs.EncodeOutputFrame(id, []byte("p"))
	if err != nil {
		t.Fatalf("EncodeOutputFrame: %v", err)
	}
	got, _, err := jobs.DecodeOutputFrame(frame)
	if err != nil {
		t.Fatalf("DecodeOutputFrame: %v", err)
	}
	if got != id {
		t.Errorf("decoded id = %q, want %q", got, id)
	}
}

func TestOutputFrameEmptyPayload(t *testing.T) {
	frame, err := jobs.EncodeOutputFrame("abc", nil)
	if err != nil {
		t.Fatalf("EncodeOutputFrame: %v", err)
	}
	id, data, err := jobs.DecodeOutputFrame(frame)
	if err != nil {
		t.Fatalf("DecodeOutputFrame: %v", err)
	}
	if id != "abc" || len(data) != 0 {
		t.Errorf("decoded (%q, %v), want (abc, empty)", id, data)
	}
}

func TestEncodeOutputFrameRejectsBadIDs(t *testing.T) {
	cases := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"too long", strings.Repeat("x", jobs.OutputIDSize+1)},
		{"embedded nul", "abc\x00def"},
		{"non ascii", "résultat"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := jobs.EncodeOutputFrame(tc.id, []byte("p")); err == nil {
				t.Errorf("EncodeOutputFrame(%q) succeeded, want error", tc.id)
			}
		})
	}
}

func TestDecodeOutputFrameRejectsMalformed(t *testing.T) {
	if _, _, err := jobs.DecodeOutputFrame([]byte("short")); err == nil {
		t.Error("short frame decoded without error")
	}
	blank := make([]byte, jobs.OutputIDSize)
	if _, _, err := jobs.DecodeOutputFrame(blank); err == nil {
		t.Error("frame with empty id decoded without error")
	}
}
