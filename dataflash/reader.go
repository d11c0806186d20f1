package dataflash

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Frame header layout: a 2-byte marker followed by the message id.
var frameMarker = []byte{0xA3, 0x95}

const (
	// formatMsgID is the reserved message id carrying an FMT (layout
	// definition) payload.
	formatMsgID = 128

	fmtNameLen    = 4
	fmtFormatsLen = 16
	fmtLabelsLen  = 64
	// type_id + length + name + formats + labels.
	fmtPayloadLen = 2 + fmtNameLen + fmtFormatsLen + fmtLabelsLen
)

// Definition declares the field layout for one message type id. It stays in
// effect until a later FMT frame redefines the same id.
type Definition struct {
	TypeID  uint8
	Name    string
	Formats string
	Labels  []string
}

// Field is one labeled value of a decoded record, in declaration order.
type Field struct {
	Label string
	Value FieldValue
}

// Record is a data frame decoded against its Definition.
type Record struct {
	TypeID      uint8
	TimestampNS uint64
	Fields      []Field
}

// Value looks up a field by label.
func (r *Record) Value(label string) (FieldValue, bool) {
	for _, f := range r.Fields {
		if f.Label == label {
			return f.Value, true
		}
	}
	return FieldValue{}, false
}

// MarshalJSON renders the record's fields as a JSON object, preserving the
// declaration order of the labels.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Frame is one decoded unit of the log: a *Definition, a *Record, or the
// EndOfStream sentinel.
type Frame interface {
	frame()
}

func (*Definition) frame() {}
func (*Record) frame()     {}

type endOfStream struct{}

func (endOfStream) frame() {}

// EndOfStream marks a cleanly finished decode session, including sessions
// ended by a mid-record truncation.
var EndOfStream Frame = endOfStream{}

// UnknownRecordTypeError is returned for a data frame whose type id has no
// preceding definition. Without a layout the remaining bytes cannot be
// interpreted, so the session aborts.
type UnknownRecordTypeError struct {
	MsgID  uint8
	Offset int64
}

func (e *UnknownRecordTypeError) Error() string {
	return fmt.Sprintf("unknown message id %d at offset %d", e.MsgID, e.Offset)
}

// Reader decodes one dataflash log file frame by frame. It owns the file
// handle (opened lazily on first Read), the definitions seen so far, and the
// carried-forward timestamp. A Reader serves exactly one file; create a fresh
// one per input.
type Reader struct {
	path   string
	logger golog.Logger

	file          *os.File
	definitions   map[uint8]*Definition
	lastTimestamp uint64
}

// NewReader returns a reader over the log at path. The file is not opened
// until the first Read call.
func NewReader(path string, logger golog.Logger) *Reader {
	return &Reader{
		path:        path,
		logger:      logger,
		definitions: map[uint8]*Definition{},
	}
}

// Close releases the underlying file handle, if one was opened.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Read decodes and returns the next frame. A file exhausted at a frame
// boundary, or truncated partway through a record's fields, yields
// EndOfStream rather than an error; all other failures are fatal.
func (r *Reader) Read() (Frame, error) {
	if r.file == nil {
		f, err := os.Open(r.path)
		if err != nil {
			return nil, errors.Wrap(err, "failed opening log")
		}
		r.file = f
	}

	header := make([]byte, len(frameMarker)+1)
	if _, err := io.ReadFull(r.file, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return EndOfStream, nil
		}
		return nil, errors.Wrap(err, "failed reading frame header")
	}
	if !bytes.Equal(header[:len(frameMarker)], frameMarker) {
		// The stream is out of sync. Logs captured live routinely end in
		// garbage past the last complete frame, so treat it like EOF.
		r.logger.Warnw("frame marker mismatch, ending decode",
			"want", frameMarker, "got", header[:len(frameMarker)])
		return EndOfStream, nil
	}

	msgID := header[len(frameMarker)]
	if msgID == formatMsgID {
		return r.readDefinition()
	}
	return r.readRecord(msgID)
}

func (r *Reader) readDefinition() (Frame, error) {
	payload := make([]byte, fmtPayloadLen)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.logger.Warnw("log truncated inside an FMT frame")
			return EndOfStream, nil
		}
		return nil, errors.Wrap(err, "failed reading FMT payload")
	}

	name := sanitizeText(payload[2 : 2+fmtNameLen])
	formats := sanitizeText(payload[2+fmtNameLen : 2+fmtNameLen+fmtFormatsLen])
	rawLabels := sanitizeText(payload[2+fmtNameLen+fmtFormatsLen:])

	var labels []string
	for _, l := range strings.Split(rawLabels, ",") {
		labels = append(labels, strings.TrimSpace(l))
	}
	if len(labels) < len(formats) {
		return nil, errors.Errorf(
			"malformed definition %q: %d labels for %d format codes", name, len(labels), len(formats))
	}

	def := &Definition{
		TypeID:  payload[0],
		Name:    name,
		Formats: formats,
		Labels:  labels,
	}
	r.definitions[def.TypeID] = def
	return def, nil
}

func (r *Reader) readRecord(msgID uint8) (Frame, error) {
	def, ok := r.definitions[msgID]
	if !ok {
		offset, err := r.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, errors.Wrap(err, "failed reading stream position")
		}
		return nil, &UnknownRecordTypeError{MsgID: msgID, Offset: offset}
	}

	var timestamp uint64
	fields := make([]Field, 0, len(def.Formats))
	for i := 0; i < len(def.Formats); i++ {
		code := def.Formats[i]
		val, err := decodeField(r.file, code)
		if err != nil {
			truncated, terr := r.isTruncation(code, err)
			if terr != nil {
				return nil, terr
			}
			if truncated {
				return EndOfStream, nil
			}
			return nil, err
		}

		label := def.Labels[i]
		if label == "TimeUS" {
			if us, ok := val.AsInt64(); ok {
				timestamp = uint64(us) * 1000
			}
		}
		fields = append(fields, Field{Label: label, Value: val})
	}

	if timestamp > 0 {
		r.lastTimestamp = timestamp
	} else {
		timestamp = r.lastTimestamp
	}

	return &Record{TypeID: msgID, TimestampNS: timestamp, Fields: fields}, nil
}

// isTruncation decides whether a failed field decode is explained by the file
// simply ending early. It checks the remaining byte count against the field's
// declared width instead of trusting the read error, so genuine I/O faults
// are not mistaken for a clean end of stream.
func (r *Reader) isTruncation(code byte, cause error) (bool, error) {
	width, err := fieldWidth(code)
	if err != nil {
		return false, err
	}
	info, err := r.file.Stat()
	if err != nil {
		return false, errors.Wrap(err, "failed to stat log")
	}
	pos, err := r.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, errors.Wrap(err, "failed reading stream position")
	}
	if info.Size()-pos < width {
		r.logger.Warnw("log truncated mid-record, ending decode",
			"position", pos, "fieldWidth", width, "size", info.Size(), "cause", cause)
		return true, nil
	}
	return false, nil
}
