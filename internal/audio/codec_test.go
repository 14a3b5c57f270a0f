package audio

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

// wavHeader is the first bytes of a canonical RIFF/WAVE file.
var wavHeader = []byte{
	'R', 'I', 'F', 'F', 0x24, 0x08, 0x00, 0x00, 'W', 'A', 'V', 'E',
	'f', 'm', 't', ' ', 0x10, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x44, 0xac, 0x00, 0x00, 0x88, 0x58, 0x01, 0x00, 0x02, 0x00, 0x10, 0x00,
	'd', 'a', 't', 'a', 0x00, 0x08, 0x00, 0x00,
}

func TestEncodeBlobIsUnchanged(t *testing.T) {
	blob := Blob{MimeType: "audio/ogg", Data: []byte{1, 2, 3}}

	w, err := Encode(blob)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if w.Kind != KindBlob || w.Blob == nil {
		t.Fatalf("expected blob kind, got %+v", w)
	}
	if w.Blob.MimeType != "audio/ogg" || !bytes.Equal(w.Blob.Data, blob.Data) {
		t.Fatalf("blob was altered: %+v", w.Blob)
	}
}

func TestRoundTripBinaryPayloads(t *testing.T) {
	tests := []struct {
		name     string
		payload  Payload
		want     []byte
		wantMime string
	}{
		{
			name:     "blob",
			payload:  Blob{MimeType: "audio/mpeg", Data: []byte("mp3-bytes")},
			want:     []byte("mp3-bytes"),
			wantMime: "audio/mpeg",
		},
		{
			name:     "buffer with wav header",
			payload:  Buffer(wavHeader),
			want:     wavHeader,
			wantMime: "audio/wav",
		},
		{
			name:     "buffer without signature",
			payload:  Buffer{0x01, 0x02, 0x03, 0x04},
			want:     []byte{0x01, 0x02, 0x03, 0x04},
			wantMime: DefaultMimeType,
		},
		{
			name:     "data url",
			payload:  FormatDataURL(Blob{MimeType: "audio/ogg", Data: []byte("ogg-bytes")}),
			want:     []byte("ogg-bytes"),
			wantMime: "audio/ogg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Encode(tt.payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			// Cross the JSON boundary the way the transport does.
			raw, err := json.Marshal(w)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded WireForm
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			blob, err := Decode(decoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(blob.Data, tt.want) {
				t.Fatalf("bytes mismatch: got %v want %v", blob.Data, tt.want)
			}
			if blob.MimeType != tt.wantMime {
				t.Fatalf("mime mismatch: got %q want %q", blob.MimeType, tt.wantMime)
			}
		})
	}
}

func TestEncodeRejectsPlainString(t *testing.T) {
	if _, err := Encode(DataURL("hello")); !errors.Is(err, ErrUnsupportedPayload) {
		t.Fatalf("expected ErrUnsupportedPayload, got %v", err)
	}
	if _, err := Encode(nil); !errors.Is(err, ErrUnsupportedPayload) {
		t.Fatalf("expected ErrUnsupportedPayload for nil, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []WireForm{
		{},
		{Kind: "video"},
		{Kind: KindBlob},
		{Kind: KindData},
		{Kind: KindData, DataURL: "data:audio/ogg;base64,!!!"},
	}
	for _, w := range cases {
		if _, err := Decode(w); !errors.Is(err, ErrUnrecognizedPayload) {
			t.Fatalf("expected ErrUnrecognizedPayload for %+v, got %v", w, err)
		}
	}
}

func TestEmptyBufferSurvivesJSON(t *testing.T) {
	w, err := Encode(Buffer{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, _ := json.Marshal(w)
	var decoded WireForm
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	blob, err := Decode(decoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(blob.Data) != 0 {
		t.Fatalf("expected empty data, got %d bytes", len(blob.Data))
	}
}

func TestWireFormOmitsUnusedBuffer(t *testing.T) {
	for _, p := range []Payload{
		Blob{MimeType: "audio/ogg", Data: []byte{1}},
		DataURL("data:audio/ogg;base64,AQ=="),
		Buffer{},
	} {
		w, err := Encode(p)
		if err != nil {
			t.Fatalf("encode %T: %v", p, err)
		}
		raw, err := json.Marshal(w)
		if err != nil {
			t.Fatalf("marshal %T: %v", p, err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			t.Fatalf("unmarshal %T: %v", p, err)
		}
		if _, ok := fields["buffer"]; ok {
			t.Fatalf("%T wire form carries a buffer field: %s", p, raw)
		}
	}
}

func TestIsDataURL(t *testing.T) {
	if !IsDataURL("DATA:audio/webm;base64,AAAA") {
		t.Fatalf("expected case-insensitive match")
	}
	if IsDataURL("data:image/png;base64,AAAA") {
		t.Fatalf("image data url must not match")
	}
}

func TestExtFromMime(t *testing.T) {
	cases := map[string]string{
		"audio/ogg;codecs=opus": "ogg",
		"audio/mp4":             "m4a",
		"audio/x-m4a":           "m4a",
		"audio/webm":            "webm",
		"audio/wav":             "audio",
	}
	for mime, want := range cases {
		if got := ExtFromMime(mime); got != want {
			t.Fatalf("ExtFromMime(%q) = %q, want %q", mime, got, want)
		}
	}
}
