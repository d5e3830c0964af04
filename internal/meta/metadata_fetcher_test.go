package meta

import (
	"io"
	"testing"

	"github.com/prxssh/rabbit/internal/bencode"
)

func TestScanBencodeValue(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "integer", input: "i42e", want: 4},
		{name: "negative integer", input: "i-7e", want: 4},
		{name: "string", input: "4:spam", want: 6},
		{name: "empty string", input: "0:", want: 2},
		{name: "list", input: "l4:spam4:eggse", want: 14},
		{name: "nested dict", input: "d3:fooi1e3:bard2:hi5:thereee", want: 28},
		{name: "value with trailer ignored", input: "i1eTRAILING", want: 3},
		{name: "truncated dict", input: "d3:foo", wantErr: true},
		{name: "truncated integer", input: "i42", wantErr: true},
		{name: "truncated string", input: "10:short", wantErr: true},
		{name: "bad string length", input: "x:bad", wantErr: true},
		{name: "empty input", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := scanBencodeValue([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("scanBencodeValue(%q) = %d, nil; want error", tt.input, n)
				}
				return
			}
			if err != nil {
				t.Fatalf("scanBencodeValue(%q) unexpected error: %v", tt.input, err)
			}
			if n != tt.want {
				t.Fatalf("scanBencodeValue(%q) = %d, want %d", tt.input, n, tt.want)
			}
		})
	}
}

func TestScanBencodeValue_UnexpectedEOF(t *testing.T) {
	_, err := scanBencodeValue([]byte("l1:a"))
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestParseUTMetadataMessage(t *testing.T) {
	trailer := []byte("raw-piece-bytes-not-bencoded")

	header, err := bencode.Marshal(map[string]any{
		"msg_type": int64(utMetaData),
		"piece":    int64(3),
	})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	body := append(append([]byte{}, header...), trailer...)

	msgType, piece, got, err := parseUTMetadataMessage(body)
	if err != nil {
		t.Fatalf("parseUTMetadataMessage error: %v", err)
	}
	if msgType != utMetaData {
		t.Fatalf("msgType = %d, want %d", msgType, utMetaData)
	}
	if piece != 3 {
		t.Fatalf("piece = %d, want 3", piece)
	}
	if string(got) != string(trailer) {
		t.Fatalf("trailer = %q, want %q", got, trailer)
	}
}

func TestParseUTMetadataMessage_Request(t *testing.T) {
	header, err := bencode.Marshal(map[string]any{
		"msg_type": int64(utMetaRequest),
		"piece":    int64(0),
	})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	msgType, piece, trailer, err := parseUTMetadataMessage(header)
	if err != nil {
		t.Fatalf("parseUTMetadataMessage error: %v", err)
	}
	if msgType != utMetaRequest || piece != 0 {
		t.Fatalf("got msgType=%d piece=%d, want 0,0", msgType, piece)
	}
	if len(trailer) != 0 {
		t.Fatalf("trailer = %q, want empty", trailer)
	}
}

func TestParseUTMetadataMessage_MalformedHeader(t *testing.T) {
	if _, _, _, err := parseUTMetadataMessage([]byte("not-bencode")); err == nil {
		t.Fatal("expected error for malformed header")
	}
}

func TestParseUTMetadataMessage_MissingFields(t *testing.T) {
	body, err := bencode.Marshal(map[string]any{"msg_type": int64(utMetaData)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, _, _, err := parseUTMetadataMessage(body); err == nil {
		t.Fatal("expected error for missing piece field")
	}
}
