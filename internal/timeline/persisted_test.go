package timeline

import (
	"testing"
	"time"
)

func TestParseTimestampNaiveIsUTC(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 20, 30, 123000000, time.UTC).UnixMilli()

	for _, in := range []string{
		"2024-05-01T10:20:30.123",
		"2024-05-01T10:20:30.123456",
		"2024-05-01 10:20:30.123",
		"2024-05-01T10:20:30.123Z",
	} {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseTimestamp(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseTimestampHonoursOffset(t *testing.T) {
	got, err := ParseTimestamp("2024-05-01T15:50:30+05:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC).UnixMilli()
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
	if _, err := ParseTimestamp(""); err == nil {
		t.Fatal("expected error for empty timestamp")
	}
}

func TestExtractImageURL(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{`{'type': 'image_content', 'image': 'https://a/b.png'}`, "https://a/b.png", true},
		{`type='image_content' image='https://a/b.png'`, "https://a/b.png", true},
		{`type="image_content" image="https://a/c.jpg"`, "https://a/c.jpg", true},
		{`image='https://a/b.png'`, "", false},
		{`type='image_content'`, "", false},
		{`plain text about image_content`, "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractImageURL(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ExtractImageURL(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestFromPersisted(t *testing.T) {
	records := []PersistedMessage{
		{Role: "user", Timestamp: "2024-05-01T10:00:00", Message: "What is a fraction?"},
		{Role: "assistant", Timestamp: "2024-05-01T10:00:02", Message: "A part of a whole."},
		{Role: "user", Timestamp: "bad", Message: `type="image_content" image="https://a/x.png"`},
	}

	got := FromPersisted(records)

	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].ID != "history-0" || !got[0].IsLocal {
		t.Fatalf("unexpected first message: %+v", got[0])
	}
	if got[1].IsLocal {
		t.Fatal("assistant message must not be local")
	}
	if got[2].Timestamp != 0 || got[2].Image == nil || got[2].Text != "" {
		t.Fatalf("unexpected image record conversion: %+v", got[2])
	}
}
