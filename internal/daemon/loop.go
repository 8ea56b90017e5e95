package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/runger/malachi/internal/pipe"
	"github.com/runger/malachi/internal/protocol"
)

// DefaultPollInterval bounds one wait on the pipe.
const DefaultPollInterval = time.Second

// Handler consumes decoded commands.
type Handler interface {
	Dispatch(ctx context.Context, cmd protocol.Command) Result
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	// PipePath is an existing FIFO. It is unlinked when Run returns.
	PipePath     string
	Decoder      protocol.Decoder
	Handler      Handler
	PollInterval time.Duration
	Metrics      *Metrics
	Logger       *slog.Logger
}

// Loop reads the command pipe, decodes frames and hands commands to the
// handler, all on the calling goroutine.
type Loop struct {
	path     string
	dec      protocol.Decoder
	handler  Handler
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger

	reader *pipe.Reader
	gen    protocol.Generation
}

// NewLoop validates cfg and fills in defaults.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.PipePath == "" {
		return nil, errors.New("pipe path is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		path:     cfg.PipePath,
		dec:      cfg.Decoder,
		handler:  cfg.Handler,
		interval: cfg.PollInterval,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

// Generation returns the number of generation separators seen so far.
func (l *Loop) Generation() protocol.Generation { return l.gen }

// Run serves the pipe until ctx is cancelled or a Shutdown command
// arrives, both of which return nil. Failing to open the pipe or to poll
// it is fatal.
func (l *Loop) Run(ctx context.Context) error {
	waker, err := pipe.NewWaker()
	if err != nil {
		return err
	}
	defer waker.Close()
	stopWake := context.AfterFunc(ctx, waker.Wake)
	defer stopWake()

	defer l.cleanup()

	if ok, err := l.open(); err != nil || !ok {
		return err
	}

	for {
		if ctx.Err() != nil {
			l.logger.Debug("context cancelled, leaving run loop")
			return nil
		}

		ev, err := l.reader.Wait(l.interval, waker)
		if err != nil {
			return err
		}
		if ev.Has(pipe.Woken) {
			waker.Drain()
			continue
		}
		if ev == 0 {
			continue
		}
		if ev.Has(pipe.Failed) {
			return fmt.Errorf("pipe %s: error condition", l.path)
		}

		eof := false
		if ev.Has(pipe.Readable) {
			var stop bool
			stop, eof, err = l.readAll(ctx)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}

		if eof || (ev.Has(pipe.HangUp) && !ev.Has(pipe.Readable)) {
			l.logger.Debug("writer disconnected, reopening pipe", "path", l.path)
			l.metrics.Reopens.Inc()
			if err := l.reader.Close(); err != nil {
				l.logger.Warn("failed to close pipe", "error", err)
			}
			l.reader = nil
			if ok, err := l.open(); err != nil || !ok {
				return err
			}
		}
	}
}

// open opens the pipe and resets the decoder. It reports false with a nil
// error when a signal interrupted the open.
func (l *Loop) open() (bool, error) {
	l.dec.Reset()
	r, err := pipe.Open(l.path)
	if err != nil {
		if errors.Is(err, pipe.ErrInterrupted) {
			l.logger.Debug("signal received during pipe open, exiting")
			return false, nil
		}
		return false, fmt.Errorf("failed to open command pipe: %w", err)
	}
	l.reader = r
	return true, nil
}

// readAll reads until the pipe would block or reaches EOF, decoding after
// every read.
func (l *Loop) readAll(ctx context.Context) (stop, eof bool, err error) {
	buf := l.dec.Buffer()
	for ctx.Err() == nil {
		if buf.Full() {
			if l.decodeAll(ctx) {
				return true, false, nil
			}
			if buf.Full() {
				l.discard()
			}
		}

		n, err := l.reader.Read(buf.Free())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, true, nil
			}
			return false, false, err
		}
		if n == 0 {
			return false, false, nil
		}
		buf.Commit(n)
		l.metrics.BytesRead.Add(float64(n))

		if l.decodeAll(ctx) {
			return true, false, nil
		}
	}
	return false, false, nil
}

// decodeAll dispatches every complete frame in the buffer. It reports
// whether the handler asked to stop.
func (l *Loop) decodeAll(ctx context.Context) bool {
	format := string(l.dec.Format())
	for {
		before := l.gen
		cmd, err := l.dec.Decode(&l.gen)
		if l.gen != before {
			l.metrics.Generations.Add(float64(l.gen - before))
			l.logger.Debug("generation", "generation", uint64(l.gen))
		}
		switch {
		case errors.Is(err, protocol.ErrNeedMore):
			return false
		case err != nil:
			l.metrics.FramesTotal.WithLabelValues(format, resultMalformed).Inc()
			l.logger.Warn("discarding malformed frame", "format", format, "error", err)
			continue
		case cmd == nil:
			continue
		}

		l.metrics.FramesTotal.WithLabelValues(format, resultOK).Inc()
		if l.handler.Dispatch(ctx, cmd) == Stop {
			return true
		}
	}
}

func (l *Loop) discard() {
	if err := l.dec.Discard(); err != nil {
		format := string(l.dec.Format())
		l.metrics.FramesTotal.WithLabelValues(format, resultOverflow).Inc()
		l.logger.Warn("buffer full without a complete frame, discarding", "format", format, "error", err)
	}
}

func (l *Loop) cleanup() {
	if l.reader != nil {
		if err := l.reader.Close(); err != nil {
			l.logger.Warn("failed to close pipe", "error", err)
		}
		l.reader = nil
	}
	l.dec.Reset()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to remove command pipe", "path", l.path, "error", err)
	}
}
