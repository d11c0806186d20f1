package pipeline

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"go.viam.com/arducap/dataflash"
	"go.viam.com/arducap/transform"
)

type capturedMessage struct {
	topic     string
	sequence  uint32
	logTimeNS uint64
	payload   string
}

// captureSink records everything written to it, assigning per-topic
// sequence numbers the way the registry would.
type captureSink struct {
	sequences map[string]uint32
	messages  []capturedMessage
}

func newCaptureSink() *captureSink {
	return &captureSink{sequences: map[string]uint32{}}
}

func (s *captureSink) WriteMessage(msg *transform.Message, logTimeNS uint64) error {
	seq := s.sequences[msg.Topic]
	s.sequences[msg.Topic]++
	s.messages = append(s.messages, capturedMessage{
		topic:     msg.Topic,
		sequence:  seq,
		logTimeNS: logTimeNS,
		payload:   string(msg.Payload),
	})
	return nil
}

func buildLog() []byte {
	var log []byte

	appendBytes := func(b ...byte) { log = append(log, b...) }
	pad := func(s string, width int) {
		buf := make([]byte, width)
		copy(buf, s)
		log = append(log, buf...)
	}
	u32 := func(v uint32) {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		log = append(log, buf...)
	}

	// FMT for type 1: "TEST" with TimeUS + float Value.
	appendBytes(0xA3, 0x95, 128, 1, 0)
	pad("TEST", 4)
	pad("If", 16)
	pad("TimeUS,Value", 64)

	// Two data records.
	appendBytes(0xA3, 0x95, 1)
	u32(1000)
	u32(math.Float32bits(3.14))
	appendBytes(0xA3, 0x95, 1)
	u32(2000)
	u32(math.Float32bits(-1.0))

	return log
}

func TestRunDispatchesInOrder(t *testing.T) {
	logger := golog.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "flight.bin")
	test.That(t, os.WriteFile(path, buildLog(), 0o644), test.ShouldBeNil)

	reader := dataflash.NewReader(path, logger)
	defer reader.Close()

	sink := newCaptureSink()
	dispatcher := transform.NewDispatcher(transform.NewGeneric(), transform.NewFoxgloveFused())
	test.That(t, Run(reader, dispatcher, sink, logger), test.ShouldBeNil)

	// The fused transformer ignores TEST records, so only the generic
	// mirror writes, one message per record, sequenced from 0.
	test.That(t, len(sink.messages), test.ShouldEqual, 2)
	test.That(t, sink.messages[0].topic, test.ShouldEqual, "/ardupilot/TEST")
	test.That(t, sink.messages[0].sequence, test.ShouldEqual, 0)
	test.That(t, sink.messages[0].logTimeNS, test.ShouldEqual, 1_000_000)
	test.That(t, sink.messages[1].sequence, test.ShouldEqual, 1)
	test.That(t, sink.messages[1].logTimeNS, test.ShouldEqual, 2_000_000)
	test.That(t, sink.messages[1].payload, test.ShouldContainSubstring, `"TimeUS":2000`)
}

func TestRunUnknownTypeAborts(t *testing.T) {
	logger := golog.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "flight.bin")
	// A data frame with no preceding definition.
	test.That(t, os.WriteFile(path, []byte{0xA3, 0x95, 7, 0, 0, 0, 0}, 0o644), test.ShouldBeNil)

	reader := dataflash.NewReader(path, logger)
	defer reader.Close()

	err := Run(reader, transform.NewDispatcher(transform.NewGeneric()), newCaptureSink(), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestProcessFile(t *testing.T) {
	logger := golog.NewTestLogger(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "flight.bin")
	test.That(t, os.WriteFile(path, buildLog(), 0o644), test.ShouldBeNil)

	test.That(t, ProcessFile(path, logger), test.ShouldBeNil)

	out, err := os.ReadFile(filepath.Join(dir, "flight.mcap"))
	test.That(t, err, test.ShouldBeNil)
	magic := []byte("\x89MCAP0\r\n")
	test.That(t, len(out), test.ShouldBeGreaterThan, 2*len(magic))
	test.That(t, out[:len(magic)], test.ShouldResemble, magic)
	test.That(t, out[len(out)-len(magic):], test.ShouldResemble, magic)
}

func TestProcessFileMissingInput(t *testing.T) {
	logger := golog.NewTestLogger(t)
	err := ProcessFile(filepath.Join(t.TempDir(), "missing.bin"), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOutputPath(t *testing.T) {
	test.That(t, outputPath("flight.bin"), test.ShouldEqual, "flight.mcap")
	test.That(t, outputPath("/logs/00000042.BIN"), test.ShouldEqual, "/logs/00000042.mcap")
	test.That(t, outputPath("bare"), test.ShouldEqual, "bare.mcap")
}
