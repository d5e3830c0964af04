package torrent

import (
	"bytes"
	"testing"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/meta"
)

func TestWriteBencodeString(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "", want: "0:"},
		{input: "spam", want: "4:spam"},
		{input: "http://tracker.example.com", want: "26:http://tracker.example.com"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		writeBencodeString(&buf, tt.input)
		if got := buf.String(); got != tt.want {
			t.Errorf("writeBencodeString(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestBuildMetainfoDocument_SingleTracker(t *testing.T) {
	magnet := &meta.Magnet{
		Name:     "file.iso",
		Trackers: []string{"udp://tracker.example.com:80"},
	}
	infoRaw := []byte("d4:name8:file.iso6:lengthi1234ee")

	doc := buildMetainfoDocument(magnet, infoRaw)

	got, err := bencode.Unmarshal(doc)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	dict, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("document is not a dict: %T", got)
	}

	if dict["announce"] != magnet.Trackers[0] {
		t.Fatalf("announce = %v, want %v", dict["announce"], magnet.Trackers[0])
	}
	if _, ok := dict["announce-list"]; ok {
		t.Fatal("announce-list present with a single tracker, want absent")
	}

	// The info sub-document must be byte-identical to what was spliced in,
	// not merely semantically equal: the fetcher verified the hash of
	// exactly these bytes.
	infoStart := bytes.Index(doc, []byte("4:info"))
	if infoStart < 0 {
		t.Fatal("info key not found in document")
	}
	rawInfoOffset := infoStart + len("4:info")
	if !bytes.Equal(doc[rawInfoOffset:rawInfoOffset+len(infoRaw)], infoRaw) {
		t.Fatal("info bytes were not spliced verbatim")
	}
}

func TestBuildMetainfoDocument_MultipleTrackers(t *testing.T) {
	magnet := &meta.Magnet{
		Name: "file.iso",
		Trackers: []string{
			"udp://tracker-a.example.com:80",
			"udp://tracker-b.example.com:80",
		},
	}
	infoRaw := []byte("d4:namei0ee")

	doc := buildMetainfoDocument(magnet, infoRaw)

	got, err := bencode.Unmarshal(doc)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	dict := got.(map[string]any)

	if dict["announce"] != magnet.Trackers[0] {
		t.Fatalf("announce = %v, want %v", dict["announce"], magnet.Trackers[0])
	}

	list, ok := dict["announce-list"].([]any)
	if !ok {
		t.Fatalf("announce-list missing or wrong type: %#v", dict["announce-list"])
	}
	if len(list) != len(magnet.Trackers) {
		t.Fatalf("announce-list has %d tiers, want %d", len(list), len(magnet.Trackers))
	}
	for i, tier := range list {
		tierList, ok := tier.([]any)
		if !ok || len(tierList) != 1 || tierList[0] != magnet.Trackers[i] {
			t.Fatalf("tier %d = %#v, want [%q]", i, tier, magnet.Trackers[i])
		}
	}
}
