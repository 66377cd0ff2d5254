package pairing

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/laprincesa/almabot/internal/event"
	"github.com/laprincesa/almabot/internal/logging"
)

// TerminalPrinter prints each new pairing challenge as a text QR code.
type TerminalPrinter struct {
	out    io.Writer
	force  bool
	logger *logging.Logger
}

// NewTerminalPrinter prints to out. Unless force is set, nothing is printed
// when out is not a terminal, since a QR code in a log file is unreadable.
func NewTerminalPrinter(out io.Writer, force bool, logger *logging.Logger) *TerminalPrinter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &TerminalPrinter{out: out, force: force, logger: logger.WithComponent("pairing")}
}

// Subscribe registers the printer on bus.
func (p *TerminalPrinter) Subscribe(bus *event.Bus) string {
	return bus.Subscribe(event.TypePairingIssued, p.Handle)
}

// Handle is the event handler.
func (p *TerminalPrinter) Handle(e event.Event) {
	issued, ok := e.(event.PairingIssuedEvent)
	if !ok || !p.enabled() {
		return
	}
	text, err := RenderText(issued.Raw)
	if err != nil {
		p.logger.Warn("failed to render pairing QR for terminal", "error", err.Error())
		return
	}
	fmt.Fprintf(p.out, "\nScan this code from the phone's Linked Devices screen:\n\n%s\n", text)
}

func (p *TerminalPrinter) enabled() bool {
	if p.force {
		return true
	}
	f, ok := p.out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// FileWriter keeps a PNG copy of the current pairing challenge on disk. The
// file is removed as soon as the challenge stops being scannable: on
// connect, disconnect, init failure or a return to IDLE. Failures are
// logged, never fatal.
type FileWriter struct {
	fs     afero.Fs
	path   string
	logger *logging.Logger
}

// idleState is the lifecycle state name in which no handle exists.
const idleState = "IDLE"

// NewFileWriter writes to path on fsys (nil means the OS filesystem).
func NewFileWriter(fsys afero.Fs, path string, logger *logging.Logger) *FileWriter {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &FileWriter{fs: fsys, path: path, logger: logger.WithComponent("pairing")}
}

// Subscribe registers the writer on bus and returns the subscription IDs.
func (w *FileWriter) Subscribe(bus *event.Bus) []string {
	types := []string{
		event.TypePairingIssued,
		event.TypeConnected,
		event.TypeDisconnected,
		event.TypeInitFailed,
		event.TypeStateChanged,
	}
	ids := make([]string, 0, len(types))
	for _, typ := range types {
		ids = append(ids, bus.Subscribe(typ, w.Handle))
	}
	return ids
}

// Handle is the event handler.
func (w *FileWriter) Handle(e event.Event) {
	switch ev := e.(type) {
	case event.PairingIssuedEvent:
		if err := w.write(ev.Image); err != nil {
			w.logger.Warn("failed to write pairing image", "path", w.path, "error", err.Error())
			return
		}
		w.logger.Info("pairing image written", "path", w.path)
	case event.ConnectedEvent, event.DisconnectedEvent, event.InitFailedEvent:
		w.remove()
	case event.StateChangedEvent:
		if ev.To == idleState {
			w.remove()
		}
	}
}

func (w *FileWriter) remove() {
	err := w.fs.Remove(w.path)
	switch {
	case err == nil:
		w.logger.Debug("pairing image removed", "path", w.path)
	case !os.IsNotExist(err):
		w.logger.Warn("failed to remove pairing image", "path", w.path, "error", err.Error())
	}
}

// write replaces the file atomically so readers never see a partial PNG.
func (w *FileWriter) write(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("no image data")
	}
	dir := filepath.Dir(w.path)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(w.fs, dir, ".qr-*.png")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = w.fs.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = w.fs.Remove(tmpPath)
		return err
	}
	if err := w.fs.Rename(tmpPath, w.path); err != nil {
		_ = w.fs.Remove(tmpPath)
		return err
	}
	return nil
}
