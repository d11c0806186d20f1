// Package pipeline drives one conversion end to end: decode a dataflash log
// frame by frame, fan each record out to the subscribed transformers, and
// write everything they emit to an MCAP container.
package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/arducap/dataflash"
	"go.viam.com/arducap/mcapio"
	"go.viam.com/arducap/transform"
)

// Sink receives the transformed messages. *mcapio.Registry is the production
// implementation.
type Sink interface {
	WriteMessage(msg *transform.Message, logTimeNS uint64) error
}

// Run decodes frames from reader until end of stream, routing definitions
// and records through the dispatcher and writing every emitted message to
// the sink in production order. The first fatal decode, transform, or write
// error aborts the run.
func Run(reader *dataflash.Reader, dispatcher *transform.Dispatcher, sink Sink, logger golog.Logger) error {
	var records, written int
	for {
		frame, err := reader.Read()
		if err != nil {
			return err
		}
		switch f := frame.(type) {
		case *dataflash.Definition:
			dispatcher.Define(f)
		case *dataflash.Record:
			msgs, err := dispatcher.Dispatch(f)
			if err != nil {
				return err
			}
			for i := range msgs {
				if err := sink.WriteMessage(&msgs[i], f.TimestampNS); err != nil {
					return err
				}
			}
			records++
			written += len(msgs)
		default:
			logger.Infow("finished decoding log", "records", records, "messages", written)
			return nil
		}
	}
}

// ProcessFile converts the log at path into an MCAP file alongside it, with
// the extension replaced. Every invocation uses fresh instances of the
// decoder, transformers, and registry; nothing carries across files.
func ProcessFile(path string, logger golog.Logger) (err error) {
	reader := dataflash.NewReader(path, logger)
	defer goutils.UncheckedErrorFunc(reader.Close)

	outPath := outputPath(path)
	out, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", outPath)
	}

	registry, err := mcapio.NewRegistry(out)
	if err != nil {
		return multierr.Combine(err, out.Close())
	}

	dispatcher := transform.NewDispatcher(
		transform.NewGeneric(),
		transform.NewFoxgloveFused(),
	)

	logger.Infow("converting log", "input", path, "output", outPath)
	err = Run(reader, dispatcher, registry, logger)
	return multierr.Combine(err, registry.Close(), out.Close())
}

// outputPath replaces the input's extension with .mcap.
func outputPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".mcap"
}
