package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMimeType is assumed for raw buffers and data URLs that carry no usable type.
const DefaultMimeType = "audio/webm"

var (
	// ErrUnrecognizedPayload is returned when a wire form cannot be decoded.
	ErrUnrecognizedPayload = errors.New("unrecognized audio payload")
	// ErrUnsupportedPayload is returned when a payload cannot be encoded.
	ErrUnsupportedPayload = errors.New("unsupported audio payload")
)

var dataURLPattern = regexp.MustCompile(`(?i)^data:audio/[a-z0-9.+-]+;base64,`)

// Payload is an audio clip in one of its accepted in-process representations:
// Blob, Buffer or DataURL.
type Payload interface {
	isPayload()
}

// Blob is audio bytes tagged with their MIME type.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Buffer is raw audio bytes with no type information.
type Buffer []byte

// DataURL is a base64 data URL such as "data:audio/ogg;base64,...".
type DataURL string

func (Blob) isPayload()    {}
func (Buffer) isPayload()  {}
func (DataURL) isPayload() {}

// Size returns the number of audio bytes.
func (b Blob) Size() int { return len(b.Data) }

// EmptyBlob is the placeholder used when received audio cannot be reconstructed.
func EmptyBlob() Blob {
	return Blob{MimeType: "audio/wav", Data: []byte{}}
}

// Kind tags the representation carried by a WireForm.
type Kind string

const (
	KindBlob   Kind = "blob"
	KindBuffer Kind = "buffer"
	KindData   Kind = "data"
)

// WireForm is the transport-safe envelope for an audio payload.
type WireForm struct {
	Kind     Kind   `json:"kind"`
	Blob     *Blob  `json:"blob,omitempty"`
	Buffer   []byte `json:"buffer,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	DataURL  string `json:"dataUrl,omitempty"`
}

// Encode converts a payload into its wire form. Blobs and valid data URLs are
// carried as they are; buffers get a sniffed MIME hint.
func Encode(p Payload) (WireForm, error) {
	switch v := p.(type) {
	case Blob:
		return WireForm{Kind: KindBlob, Blob: &v}, nil
	case *Blob:
		if v == nil {
			return WireForm{}, ErrUnsupportedPayload
		}
		return WireForm{Kind: KindBlob, Blob: v}, nil
	case Buffer:
		buf := append([]byte{}, v...)
		return WireForm{Kind: KindBuffer, Buffer: buf, MimeType: SniffMimeType(buf)}, nil
	case DataURL:
		if !IsDataURL(string(v)) {
			return WireForm{}, fmt.Errorf("%w: string is not an audio data url", ErrUnsupportedPayload)
		}
		return WireForm{Kind: KindData, DataURL: string(v)}, nil
	default:
		return WireForm{}, fmt.Errorf("%w: %T", ErrUnsupportedPayload, p)
	}
}

// Decode reconstructs the audio bytes and MIME type from a wire form.
func Decode(w WireForm) (Blob, error) {
	switch w.Kind {
	case KindBlob:
		if w.Blob == nil {
			return Blob{}, fmt.Errorf("%w: blob kind without blob", ErrUnrecognizedPayload)
		}
		return *w.Blob, nil
	case KindBuffer:
		// An empty buffer is omitted on the wire and decodes to no data.
		mime := w.MimeType
		if mime == "" {
			mime = DefaultMimeType
		}
		data := w.Buffer
		if data == nil {
			data = []byte{}
		}
		return Blob{MimeType: mime, Data: data}, nil
	case KindData:
		if w.DataURL == "" {
			return Blob{}, fmt.Errorf("%w: data kind without data url", ErrUnrecognizedPayload)
		}
		blob, err := ParseDataURL(w.DataURL)
		if err != nil {
			return Blob{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
		}
		return blob, nil
	default:
		return Blob{}, fmt.Errorf("%w: unknown kind %q", ErrUnrecognizedPayload, w.Kind)
	}
}

// ToBlob normalizes any payload to a Blob.
func ToBlob(p Payload) (Blob, error) {
	w, err := Encode(p)
	if err != nil {
		return Blob{}, err
	}
	return Decode(w)
}

// IsDataURL reports whether s is a base64 audio data URL.
func IsDataURL(s string) bool {
	return dataURLPattern.MatchString(s)
}

// ParseDataURL decodes a base64 data URL into a Blob.
func ParseDataURL(s string) (Blob, error) {
	head, body, ok := strings.Cut(s, ",")
	if !ok {
		return Blob{}, errors.New("data url without payload separator")
	}
	mime := DefaultMimeType
	if meta, found := strings.CutPrefix(head, "data:"); found {
		if t, _, hasB64 := strings.Cut(meta, ";base64"); hasB64 && t != "" {
			mime = t
		}
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return Blob{}, fmt.Errorf("decode base64: %w", err)
	}
	return Blob{MimeType: mime, Data: data}, nil
}

// FormatDataURL is the inverse of ParseDataURL.
func FormatDataURL(b Blob) DataURL {
	mime := b.MimeType
	if mime == "" {
		mime = DefaultMimeType
	}
	return DataURL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(b.Data))
}

// SniffMimeType detects an audio MIME type from content, defaulting to DefaultMimeType.
func SniffMimeType(data []byte) string {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") {
			return m.String()
		}
	}
	return DefaultMimeType
}

// ExtFromMime returns a file extension for a MIME type.
func ExtFromMime(mime string) string {
	switch {
	case strings.Contains(mime, "ogg"):
		return "ogg"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "m4a"):
		return "m4a"
	case strings.Contains(mime, "webm"):
		return "webm"
	default:
		return "audio"
	}
}
