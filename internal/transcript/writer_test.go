package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/whisperrec/internal/asr"
)

func sampleTranscript() *asr.Transcript {
	return &asr.Transcript{
		Segments: []asr.Segment{
			{Start: 0, End: 5*time.Second + 230*time.Millisecond, Text: "Hello, welcome to the meeting."},
			{Start: 5*time.Second + 500*time.Millisecond, End: 10*time.Second + 100*time.Millisecond, Text: "Let's discuss the agenda."},
		},
		Language: "en",
		Duration: 10*time.Second + 100*time.Millisecond,
		Model:    "small",
		Backend:  "remote_whisper_api",
	}
}

func sampleDocument() *Document {
	return FromTranscript(sampleTranscript(), nil)
}

func tmpPath(t *testing.T, ext string) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "transcript"+ext)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestWriteText(t *testing.T) {
	path := tmpPath(t, ".txt")

	if err := WriteText(path, sampleDocument()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	got := readFile(t, path)

	if !strings.Contains(got, "[00:00:00] Hello, welcome to the meeting.") {
		t.Errorf("missing first segment; got:\n%s", got)
	}
	if !strings.Contains(got, "[00:00:05] Let's discuss the agenda.") {
		t.Errorf("missing second segment; got:\n%s", got)
	}

	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 lines, got %d", len(lines))
	}
}

func TestWriteText_Speakers(t *testing.T) {
	path := tmpPath(t, ".txt")

	if err := WriteText(path, FromSegmented(sampleSegmented())); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	want := "[00:00:00] Speaker 1: hello world\n[00:00:05] Speaker 2: goodbye now friend\n"
	if got := readFile(t, path); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWriteSRT(t *testing.T) {
	path := tmpPath(t, ".srt")

	if err := WriteSRT(path, sampleDocument()); err != nil {
		t.Fatalf("WriteSRT: %v", err)
	}
	got := readFile(t, path)

	if !strings.HasPrefix(got, "1\n") {
		t.Errorf("SRT should start with segment number 1; got:\n%s", got)
	}
	if !strings.Contains(got, "00:00:00,000 --> 00:00:05,230") {
		t.Errorf("missing first SRT timestamp; got:\n%s", got)
	}
	if !strings.Contains(got, "00:00:05,500 --> 00:00:10,100") {
		t.Errorf("missing second SRT timestamp; got:\n%s", got)
	}
	if !strings.Contains(got, "\n2\n") {
		t.Errorf("missing segment number 2; got:\n%s", got)
	}
}

func TestWriteVTT(t *testing.T) {
	path := tmpPath(t, ".vtt")

	if err := WriteVTT(path, sampleDocument()); err != nil {
		t.Fatalf("WriteVTT: %v", err)
	}
	got := readFile(t, path)

	if !strings.HasPrefix(got, "WEBVTT\n") {
		t.Errorf("VTT should start with WEBVTT header; got:\n%s", got)
	}
	if !strings.Contains(got, "00:00:00.000 --> 00:00:05.230") {
		t.Errorf("missing first VTT timestamp; got:\n%s", got)
	}
	if !strings.Contains(got, "00:00:05.500 --> 00:00:10.100") {
		t.Errorf("missing second VTT timestamp; got:\n%s", got)
	}
}

func TestWriteVTT_VoiceSpans(t *testing.T) {
	path := tmpPath(t, ".vtt")

	if err := WriteVTT(path, FromSegmented(sampleSegmented())); err != nil {
		t.Fatalf("WriteVTT: %v", err)
	}
	got := readFile(t, path)
	if !strings.Contains(got, "<v Speaker 2>goodbye now friend") {
		t.Errorf("missing voice span; got:\n%s", got)
	}
}

func TestWriteJSON(t *testing.T) {
	path := tmpPath(t, ".json")

	if err := WriteJSON(path, FromSegmented(sampleSegmented())); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var out jsonDocument
	if err := json.Unmarshal([]byte(readFile(t, path)), &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out.Speakers) != 2 || out.Speakers[0].ID != "A" || out.Speakers[0].SpeakingTime != 5 {
		t.Errorf("unexpected speakers: %+v", out.Speakers)
	}
	if len(out.Segments) != 2 || out.Segments[1].Speaker != "SPEAKER_2" || out.Segments[1].Start != 5 {
		t.Errorf("unexpected segments: %+v", out.Segments)
	}
	if out.FullText != "" {
		t.Errorf("segmented document should not carry full_text, got %q", out.FullText)
	}
}

func TestWriteAll(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "meeting")

	err := WriteAll(base, sampleDocument(), []string{"txt", "srt", "vtt", "human", "llm", "json"})
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	for _, ext := range []string{".txt", ".srt", ".vtt", ".transcript.txt", ".llm.txt", ".segments.json"} {
		path := base + ext
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected file %s to exist: %v", path, err)
		}
	}
}

func TestWriteAll_DefaultFormats(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "meeting")

	if err := WriteAll(base, sampleDocument(), nil); err != nil {
		t.Fatalf("WriteAll with nil formats: %v", err)
	}
	for _, ext := range []string{".transcript.txt", ".llm.txt"} {
		if _, err := os.Stat(base + ext); err != nil {
			t.Errorf("expected %s file: %v", ext, err)
		}
	}
	if _, err := os.Stat(base + ".txt"); !os.IsNotExist(err) {
		t.Errorf("txt should not be written by default")
	}
}

func TestWriteAll_UnknownFormat(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "meeting")

	err := WriteAll(base, sampleDocument(), []string{"txt", "docx"})
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
	if !strings.Contains(err.Error(), `unknown format "docx"`) {
		t.Errorf("error should mention unknown format; got: %v", err)
	}
	if _, err := os.Stat(base + ".txt"); err != nil {
		t.Errorf("expected .txt file despite docx error: %v", err)
	}
}

func TestKnownFormat(t *testing.T) {
	for _, f := range []string{"txt", "srt", "vtt", "human", "llm", "json"} {
		if !KnownFormat(f) {
			t.Errorf("%s should be known", f)
		}
	}
	if KnownFormat("docx") {
		t.Error("docx should not be known")
	}
}

func TestWriteText_EmptyDocument(t *testing.T) {
	path := tmpPath(t, ".txt")

	if err := WriteText(path, &Document{}); err != nil {
		t.Fatalf("WriteText empty: %v", err)
	}
	if got := readFile(t, path); got != "" {
		t.Errorf("expected empty file for empty document, got %q", got)
	}
}

func TestWriteVTT_EmptyDocument(t *testing.T) {
	path := tmpPath(t, ".vtt")

	if err := WriteVTT(path, &Document{}); err != nil {
		t.Fatalf("WriteVTT empty: %v", err)
	}
	if got := readFile(t, path); got != "WEBVTT\n" {
		t.Errorf("expected only WEBVTT header for empty document, got: %q", got)
	}
}

func TestWriteText_FullTextWithoutCues(t *testing.T) {
	path := tmpPath(t, ".txt")

	if err := WriteText(path, FromWholeFile("  Single line.  ", nil)); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if got, want := readFile(t, path), "[00:00:00] Single line.\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWriteSRT_Unicode(t *testing.T) {
	path := tmpPath(t, ".srt")
	texts := []string{"こんにちは、会議へようこそ。", "Ñoño café résumé naïve", "Привет мир 🌍"}
	tr := &asr.Transcript{}
	for i, txt := range texts {
		tr.Segments = append(tr.Segments, asr.Segment{
			Start: time.Duration(i) * 2 * time.Second,
			End:   time.Duration(i+1) * 2 * time.Second,
			Text:  txt,
		})
	}

	if err := WriteSRT(path, FromTranscript(tr, nil)); err != nil {
		t.Fatalf("WriteSRT: %v", err)
	}
	got := readFile(t, path)
	for _, txt := range texts {
		if !strings.Contains(got, txt) {
			t.Errorf("missing Unicode text %q in output", txt)
		}
	}
}

func TestFormatSRTTimestamp(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "00:00:00,000"},
		{"one_second", time.Second, "00:00:01,000"},
		{"one_minute", time.Minute, "00:01:00,000"},
		{"one_hour", time.Hour, "01:00:00,000"},
		{"mixed", 1*time.Hour + 23*time.Minute + 45*time.Second + 678*time.Millisecond, "01:23:45,678"},
		{"millis_only", 999 * time.Millisecond, "00:00:00,999"},
		{"large_hours", 99*time.Hour + 59*time.Minute + 59*time.Second + 999*time.Millisecond, "99:59:59,999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatSRTTimestamp(tt.d); got != tt.want {
				t.Errorf("formatSRTTimestamp(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestFormatVTTTimestamp(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "00:00:00.000"},
		{"one_second", time.Second, "00:00:01.000"},
		{"mixed", 1*time.Hour + 23*time.Minute + 45*time.Second + 678*time.Millisecond, "01:23:45.678"},
		{"millis_only", 999 * time.Millisecond, "00:00:00.999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatVTTTimestamp(tt.d); got != tt.want {
				t.Errorf("formatVTTTimestamp(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestAtomicWrite_CreatesParentDir(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "sub", "dir", "transcript.txt")

	if err := WriteText(nested, sampleDocument()); err != nil {
		t.Fatalf("WriteText to nested path: %v", err)
	}
	if _, err := os.Stat(nested); err != nil {
		t.Errorf("expected nested file to exist: %v", err)
	}
}
