// Package xmodem implements XMODEM-CRC with 128- and 1024-byte blocks: the
// receiving state machine the bootloader runs, and the sender used by the
// host tools.
package xmodem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usbthing/bootloader/internal/flash"
	"github.com/usbthing/bootloader/internal/hw"
)

// Port is the byte stream a transfer runs over.
type Port interface {
	GetByte(timeout time.Duration) (byte, error)
	Write(p []byte) (int, error)
}

// Sink stores accepted payload. flash.Programmer is the usual sink.
type Sink interface {
	Write(addr uint32, data []byte) error
}

// State is a receiver state.
type State int

const (
	AwaitStart State = iota
	ReceivingPacket
	Accepted
	Rejected
	Complete
	Aborted
)

func (s State) String() string {
	switch s {
	case AwaitStart:
		return "await-start"
	case ReceivingPacket:
		return "receiving"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config bounds a receive session.
type Config struct {
	// MaxRetries is how many consecutive rejected frames are tolerated.
	MaxRetries int
	// MaxStartAttempts is how many times 'C' is sent before giving up on
	// the sender.
	MaxStartAttempts int
	// StartInterval is how long to wait for a block start.
	StartInterval time.Duration
	// ByteTimeout is the inter-byte gap allowed inside a frame.
	ByteTimeout time.Duration
	// Clock times the gap since the last accepted packet. Nil means wall
	// time.
	Clock hw.Clock
}

// DefaultConfig matches common host tools: a 'C' every second for a minute,
// ten retries per block.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       10,
		MaxStartAttempts: 60,
		StartInterval:    time.Second,
		ByteTimeout:      time.Second,
	}
}

// Session is the state of one transfer.
type Session struct {
	Start, End uint32
	Cursor     uint32
	Expected   byte
	Errors     int
	Packets    int
	Duplicates int
	LastValid  time.Time
	State      State
}

// SinceValid is the time since the last accepted packet, or since the
// session began.
func (s *Session) SinceValid(now time.Time) time.Duration {
	return now.Sub(s.LastValid)
}

type wallClock struct{}

func (wallClock) Now() time.Time        { return time.Now() }
func (wallClock) Sleep(d time.Duration) { time.Sleep(d) }

// Result summarizes a completed transfer.
type Result struct {
	Bytes      int
	Packets    int
	Duplicates int
}

// Receiver runs receive sessions over a port.
type Receiver struct {
	port Port
	sink Sink
	cfg  Config
	log  logrus.FieldLogger

	frame [3 + BlockSize1K + 2]byte
}

// NewReceiver creates a receiver writing into sink. Zero fields of cfg take
// their DefaultConfig values.
func NewReceiver(port Port, sink Sink, cfg Config, log logrus.FieldLogger) *Receiver {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxStartAttempts <= 0 {
		cfg.MaxStartAttempts = def.MaxStartAttempts
	}
	if cfg.StartInterval <= 0 {
		cfg.StartInterval = def.StartInterval
	}
	if cfg.ByteTimeout <= 0 {
		cfg.ByteTimeout = def.ByteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Receiver{
		port: port,
		sink: sink,
		cfg:  cfg,
		log:  log.WithField("component", "xmodem"),
	}
}

// Receive accepts a file into [start, end). Accepted payload is written to
// the sink at consecutive addresses starting at start.
//
// Any error is an *AbortError; a cancel, retry exhaustion or overflow is
// also reported to the sender with CAN.
func (r *Receiver) Receive(ctx context.Context, start, end uint32) (Result, error) {
	s := &Session{
		Start:     start,
		End:       end,
		Cursor:    start,
		Expected:  1,
		LastValid: r.cfg.Clock.Now(),
		State:     AwaitStart,
	}
	log := r.log.WithField("region", fmt.Sprintf("0x%08X-0x%08X", start, end))
	log.Debug("transfer started")

	startAttempts := 0
	if err := r.send(CRCReady); err != nil {
		return Result{}, r.abort(s, err, false)
	}

	var size int
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, r.abort(s, err, true)
		}

		switch s.State {
		case AwaitStart:
			c, err := r.port.GetByte(r.cfg.StartInterval)
			if err != nil && !isTimeout(err) {
				return Result{}, r.abort(s, err, false)
			}
			if err != nil {
				if s.Packets == 0 {
					startAttempts++
					if startAttempts >= r.cfg.MaxStartAttempts {
						return Result{}, r.abort(s, fmt.Errorf("%w: no block start after %d requests", ErrRetriesExhausted, startAttempts), true)
					}
					if err := r.send(CRCReady); err != nil {
						return Result{}, r.abort(s, err, false)
					}
					continue
				}
				s.State = Rejected
				continue
			}
			switch c {
			case SOH, STX:
				size, _ = PayloadSize(c)
				r.frame[0] = c
				s.State = ReceivingPacket
			case EOT:
				if err := r.send(ACK); err != nil {
					return Result{}, r.abort(s, err, false)
				}
				s.State = Complete
			case CAN:
				return Result{}, r.abort(s, ErrCancelled, false)
			default:
				// Line noise before the first block is expected: the host may
				// still be printing the echo of the command.
				if s.Packets > 0 {
					s.State = Rejected
				}
			}

		case ReceivingPacket:
			body := r.frame[1 : 1+size+overhead]
			if err := r.readFull(body); err != nil {
				log.WithField("seq", s.Expected).Debug("frame timeout")
				s.State = Rejected
				continue
			}
			if err := checkBody(body); err != nil {
				log.WithError(err).Debug("frame rejected")
				s.State = Rejected
				continue
			}
			seq := body[0]
			switch {
			case seq == s.Expected:
				s.State = Accepted
			case seq == s.Expected-1 && s.Packets > 0:
				s.Duplicates++
				log.WithField("seq", seq).Debug("duplicate frame")
				if err := r.send(ACK); err != nil {
					return Result{}, r.abort(s, err, false)
				}
				s.State = AwaitStart
			default:
				log.WithFields(logrus.Fields{"seq": seq, "expected": s.Expected}).Debug("sequence skipped")
				s.State = Rejected
			}

		case Accepted:
			payload := r.frame[3 : 3+size]
			if uint64(s.Cursor)+uint64(size) > uint64(s.End) {
				rerr := &flash.RangeError{Addr: s.Cursor, Length: size, Region: flash.Region{Name: "transfer", Start: s.Start, End: s.End}}
				return Result{}, r.abort(s, fmt.Errorf("%w: %w", ErrOutOfSpace, rerr), true)
			}
			if err := r.sink.Write(s.Cursor, payload); err != nil {
				return Result{}, r.abort(s, err, true)
			}
			s.Cursor += uint32(size)
			s.Expected++
			s.Packets++
			s.Errors = 0
			s.LastValid = r.cfg.Clock.Now()
			if err := r.send(ACK); err != nil {
				return Result{}, r.abort(s, err, false)
			}
			s.State = AwaitStart

		case Rejected:
			s.Errors++
			if s.Errors > r.cfg.MaxRetries {
				return Result{}, r.abort(s, fmt.Errorf("%w: %d consecutive bad frames", ErrRetriesExhausted, s.Errors), true)
			}
			r.purge()
			if err := r.send(NAK); err != nil {
				return Result{}, r.abort(s, err, false)
			}
			s.State = AwaitStart

		case Complete:
			res := Result{
				Bytes:      int(s.Cursor - s.Start),
				Packets:    s.Packets,
				Duplicates: s.Duplicates,
			}
			log.WithFields(logrus.Fields{"bytes": res.Bytes, "packets": res.Packets}).Info("transfer complete")
			return res, nil
		}
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, hw.ErrTimeout)
}

func (r *Receiver) readFull(buf []byte) error {
	for i := range buf {
		c, err := r.port.GetByte(r.cfg.ByteTimeout)
		if err != nil {
			return err
		}
		buf[i] = c
	}
	return nil
}

// purge drops the rest of a bad frame so the NAK lines up with the
// sender's retransmission.
func (r *Receiver) purge() {
	for {
		if _, err := r.port.GetByte(r.cfg.ByteTimeout); err != nil {
			return
		}
	}
}

func (r *Receiver) send(c byte) error {
	_, err := r.port.Write([]byte{c})
	return err
}

func (r *Receiver) abort(s *Session, err error, notify bool) error {
	state := s.State
	s.State = Aborted
	if notify {
		_, _ = r.port.Write([]byte{CAN, CAN})
	}
	idle := s.SinceValid(r.cfg.Clock.Now())
	r.log.WithError(err).WithFields(logrus.Fields{
		"state":  state.String(),
		"cursor": fmt.Sprintf("0x%08X", s.Cursor),
		"idle":   idle,
	}).Warn("transfer aborted")
	return &AbortError{State: state, Cursor: s.Cursor, Packets: s.Packets, Idle: idle, Err: err}
}
