// Package ipc implements the result stream binary framing.
//
// A frame is an ASCII job id, a '|' delimiter, an optional content type
// token, a second '|' delimiter and the raw artifact payload:
//
//	jobId|payload
//	jobId|contentType|payload
//
// Delimiters are only searched inside a bounded header window because
// payload bytes may contain the delimiter value.
package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/pithecene-io/genstream/types"
)

// Frame size constants.
const (
	// HeaderWindow is the number of leading bytes scanned for delimiters.
	HeaderWindow = 1024
	// Delimiter separates the header tokens from each other and the payload.
	Delimiter = '|'
	// MaxFrameSize is the default maximum message size (64 MiB).
	MaxFrameSize = 64 * 1024 * 1024
	// MaxJobIDLength bounds the job id token.
	MaxJobIDLength = 256
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorNoDelimiter indicates no delimiter inside the header window.
	FrameErrorNoDelimiter FrameErrorKind = iota
	// FrameErrorInvalidJobID indicates an empty or non-printable job id.
	FrameErrorInvalidJobID
	// FrameErrorEmptyPayload indicates a header with no payload bytes.
	FrameErrorEmptyPayload
	// FrameErrorTooLarge indicates a message exceeding the size limit.
	FrameErrorTooLarge
	// FrameErrorInvalidContentType indicates a content type that cannot be encoded.
	FrameErrorInvalidContentType
)

// String returns the kind name.
func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorNoDelimiter:
		return "no_delimiter"
	case FrameErrorInvalidJobID:
		return "invalid_job_id"
	case FrameErrorEmptyPayload:
		return "empty_payload"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorInvalidContentType:
		return "invalid_content_type"
	default:
		return "unknown"
	}
}

// FrameError represents a malformed frame. The message is dropped.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsMalformedFrame returns true if err is a *FrameError.
func IsMalformedFrame(err error) bool {
	var frameErr *FrameError
	return errors.As(err, &frameErr)
}

// IsNoDelimiter returns true if err is a FrameError of kind FrameErrorNoDelimiter.
// Such messages are candidates for the legacy undelimited path.
func IsNoDelimiter(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.Kind == FrameErrorNoDelimiter
	}
	return false
}

// FrameDecoder decodes binary stream messages into frames.
// It is stateless and safe for concurrent use.
type FrameDecoder struct {
	window  int
	maxSize int
}

// NewFrameDecoder creates a new frame decoder.
// A maxSize <= 0 uses MaxFrameSize.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	return &FrameDecoder{window: HeaderWindow, maxSize: maxSize}
}

// Decode parses one binary message.
//
// Errors (all *FrameError):
//   - FrameErrorTooLarge: message exceeds the size limit
//   - FrameErrorNoDelimiter: no '|' within the header window
//   - FrameErrorInvalidJobID: empty or non-printable job id
//   - FrameErrorEmptyPayload: header present, payload missing
func (d *FrameDecoder) Decode(buf []byte) (*types.Frame, error) {
	if len(buf) > d.maxSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("message size %d exceeds maximum %d", len(buf), d.maxSize),
		}
	}

	header := buf[:min(len(buf), d.window)]
	first := bytes.IndexByte(header, Delimiter)
	if first < 0 {
		return nil, &FrameError{
			Kind: FrameErrorNoDelimiter,
			Msg:  fmt.Sprintf("no delimiter in first %d bytes", len(header)),
		}
	}

	jobID := string(buf[:first])
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}

	contentType := ""
	payloadStart := first + 1

	// Three-part header only if the middle token is empty or a media type.
	// Otherwise the delimiter belongs to the payload.
	if second := bytes.IndexByte(header[first+1:], Delimiter); second >= 0 {
		token := string(header[first+1 : first+1+second])
		if token == "" || isMediaType(token) {
			contentType = token
			payloadStart = first + 1 + second + 1
		}
	}

	payload := buf[payloadStart:]
	if len(payload) == 0 {
		return nil, &FrameError{
			Kind: FrameErrorEmptyPayload,
			Msg:  fmt.Sprintf("frame for job %q has no payload", jobID),
		}
	}

	if contentType == "" {
		contentType = Sniff(payload)
	}

	return &types.Frame{
		JobID:       jobID,
		ContentType: contentType,
		Payload:     payload,
	}, nil
}

// Encode produces the three-part wire form. An empty contentType is encoded
// as an empty token and sniffed again on decode.
func Encode(jobID, contentType string, payload []byte) ([]byte, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	if contentType != "" && (!isMediaType(contentType) || strings.IndexByte(contentType, Delimiter) >= 0) {
		return nil, &FrameError{
			Kind: FrameErrorInvalidContentType,
			Msg:  fmt.Sprintf("content type %q is not a media type", contentType),
		}
	}
	if len(jobID)+len(contentType)+2 > HeaderWindow {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  "header exceeds header window",
		}
	}

	buf := make([]byte, 0, len(jobID)+len(contentType)+2+len(payload))
	buf = append(buf, jobID...)
	buf = append(buf, Delimiter)
	buf = append(buf, contentType...)
	buf = append(buf, Delimiter)
	buf = append(buf, payload...)
	return buf, nil
}

// Sniff detects the MIME type of a payload.
func Sniff(payload []byte) string {
	return mimetype.Detect(payload).String()
}

func validateJobID(jobID string) error {
	if jobID == "" {
		return &FrameError{Kind: FrameErrorInvalidJobID, Msg: "empty job id"}
	}
	if len(jobID) > MaxJobIDLength {
		return &FrameError{
			Kind: FrameErrorInvalidJobID,
			Msg:  fmt.Sprintf("job id length %d exceeds maximum %d", len(jobID), MaxJobIDLength),
		}
	}
	for i := 0; i < len(jobID); i++ {
		c := jobID[i]
		if c <= ' ' || c >= 0x7f || c == Delimiter {
			return &FrameError{
				Kind: FrameErrorInvalidJobID,
				Msg:  fmt.Sprintf("job id contains invalid byte 0x%02x at offset %d", c, i),
			}
		}
	}
	return nil
}

// isMediaType reports whether token parses as type/subtype.
func isMediaType(token string) bool {
	mt, _, err := mime.ParseMediaType(token)
	if err != nil {
		return false
	}
	slash := strings.IndexByte(mt, '/')
	return slash > 0 && slash < len(mt)-1
}
