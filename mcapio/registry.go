// Package mcapio owns the MCAP side of a conversion: writer construction,
// schema and channel registration, and per-channel message sequencing.
package mcapio

import (
	"io"

	"github.com/foxglove/mcap/go/mcap"
	"github.com/pkg/errors"

	"go.viam.com/arducap/transform"
)

const writerLibrary = "arducap"

// messageEncoding is the encoding recorded on every channel; payloads are
// always JSON objects.
const messageEncoding = "json"

type channelKey struct {
	topic      string
	schemaName string
}

type channelEntry struct {
	id       uint16
	sequence uint32
}

// nextSequence returns the channel's current sequence number and advances it.
// Sequences start at 0 and increase by exactly 1 per written message.
func (e *channelEntry) nextSequence() uint32 {
	seq := e.sequence
	e.sequence++
	return seq
}

// Registry deduplicates (topic, schema name) pairs into MCAP schema/channel
// ids and sequences the messages written to each channel. It is the sole
// owner of channel identity: transformers hand over fully-formed messages
// and never see an id. One Registry serves one output file.
type Registry struct {
	writer   *mcap.Writer
	channels map[channelKey]*channelEntry
	nextID   uint16
}

// NewRegistry builds a chunked, compressed MCAP writer over w and writes the
// container header.
func NewRegistry(w io.Writer) (*Registry, error) {
	writer, err := mcap.NewWriter(w, &mcap.WriterOptions{
		Chunked:     true,
		Compression: mcap.CompressionZSTD,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to construct mcap writer")
	}
	if err := writer.WriteHeader(&mcap.Header{Library: writerLibrary}); err != nil {
		return nil, errors.Wrap(err, "failed to write mcap header")
	}
	return &Registry{
		writer:   writer,
		channels: map[channelKey]*channelEntry{},
		// Schema id 0 is reserved by the format for "no schema".
		nextID: 1,
	}, nil
}

// registerOrGet returns the channel entry for the message's (topic, schema
// name) pair, registering the schema and channel with the writer the first
// time the pair is seen.
func (r *Registry) registerOrGet(msg *transform.Message) (*channelEntry, error) {
	key := channelKey{topic: msg.Topic, schemaName: msg.SchemaName}
	if entry, ok := r.channels[key]; ok {
		return entry, nil
	}

	id := r.nextID
	r.nextID++

	if err := r.writer.WriteSchema(&mcap.Schema{
		ID:       id,
		Name:     msg.SchemaName,
		Encoding: msg.SchemaEncoding,
		Data:     msg.SchemaData,
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to register schema %q", msg.SchemaName)
	}
	if err := r.writer.WriteChannel(&mcap.Channel{
		ID:              id,
		SchemaID:        id,
		Topic:           msg.Topic,
		MessageEncoding: messageEncoding,
		Metadata:        map[string]string{},
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to register channel %q", msg.Topic)
	}

	entry := &channelEntry{id: id}
	r.channels[key] = entry
	return entry, nil
}

// WriteMessage appends one transformed message to the channel identified by
// its topic and schema name, assigning the channel's next sequence number.
// The record timestamp is used as both log and publish time.
func (r *Registry) WriteMessage(msg *transform.Message, logTimeNS uint64) error {
	entry, err := r.registerOrGet(msg)
	if err != nil {
		return err
	}
	if err := r.writer.WriteMessage(&mcap.Message{
		ChannelID:   entry.id,
		Sequence:    entry.nextSequence(),
		LogTime:     logTimeNS,
		PublishTime: logTimeNS,
		Data:        msg.Payload,
	}); err != nil {
		return errors.Wrapf(err, "failed to write message on %q", msg.Topic)
	}
	return nil
}

// Close finalizes the container, writing the summary section and footer.
func (r *Registry) Close() error {
	return r.writer.Close()
}
