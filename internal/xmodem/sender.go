package xmodem

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// SenderConfig controls the host side of a transfer.
type SenderConfig struct {
	// BlockSize is 128 or 1024.
	BlockSize int
	// MaxRetries is how many times one block is resent.
	MaxRetries int
	// StartTimeout is how long to wait for the receiver's 'C'.
	StartTimeout time.Duration
	// AckTimeout is how long to wait for the answer to one block.
	AckTimeout time.Duration
	// Pad fills the last block. 0xFF leaves the padding erased.
	Pad byte
}

// DefaultSenderConfig uses 1K blocks padded with 0xFF.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		BlockSize:    BlockSize1K,
		MaxRetries:   10,
		StartTimeout: 60 * time.Second,
		AckTimeout:   10 * time.Second,
		Pad:          0xFF,
	}
}

// ProgressCallback is called after every acknowledged block.
type ProgressCallback func(sent, total int)

// Sender pushes one file to a receiver.
type Sender struct {
	port     Port
	cfg      SenderConfig
	log      logrus.FieldLogger
	progress ProgressCallback
}

// NewSender creates a sender on port.
func NewSender(port Port, cfg SenderConfig, log logrus.FieldLogger) *Sender {
	if cfg.BlockSize != BlockSize {
		cfg.BlockSize = BlockSize1K
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sender{port: port, cfg: cfg, log: log.WithField("component", "xmodem-send")}
}

// SetProgressCallback sets the progress callback.
func (s *Sender) SetProgressCallback(cb ProgressCallback) {
	s.progress = cb
}

// Send waits for the receiver to ask for CRC mode, then transfers data and
// closes the transfer with EOT. A tail shorter than a 1K block goes out in
// 128-byte blocks so the padding never runs past a small region.
func (s *Sender) Send(ctx context.Context, data []byte) error {
	if err := s.awaitStart(ctx); err != nil {
		return err
	}

	seq := byte(1)
	for off := 0; off < len(data); {
		size := s.cfg.BlockSize
		if len(data)-off < size {
			size = BlockSize
		}
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		frame := NewPacket(seq, data[off:end], s.cfg.Pad).Encode()
		if err := s.sendFrame(ctx, frame, seq); err != nil {
			return err
		}
		off = end
		seq++
		if s.progress != nil {
			s.progress(off, len(data))
		}
	}

	return s.sendFrame(ctx, []byte{EOT}, seq)
}

func (s *Sender) awaitStart(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.StartTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := s.port.GetByte(100 * time.Millisecond)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
		switch c {
		case CRCReady:
			return nil
		case CAN:
			return ErrCancelled
		}
	}
	return fmt.Errorf("%w: receiver never requested a transfer", ErrRetriesExhausted)
}

// sendFrame transmits frame until it is acknowledged.
func (s *Sender) sendFrame(ctx context.Context, frame []byte, seq byte) error {
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			s.cancel()
			return err
		}
		if attempt > 0 {
			s.log.WithFields(logrus.Fields{"seq": seq, "attempt": attempt}).Debug("resending block")
		}
		if _, err := s.port.Write(frame); err != nil {
			return fmt.Errorf("write block %d: %w", seq, err)
		}
		reply, err := s.awaitReply()
		if err != nil {
			return err
		}
		switch reply {
		case ACK:
			return nil
		case CAN:
			return ErrCancelled
		}
	}
	s.cancel()
	return fmt.Errorf("%w: block %d not acknowledged", ErrRetriesExhausted, seq)
}

// awaitReply returns ACK, NAK or CAN. A timeout is reported as NAK.
// Anything else on the line, including late 'C' requests, is skipped.
func (s *Sender) awaitReply() (byte, error) {
	deadline := time.Now().Add(s.cfg.AckTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		c, err := s.port.GetByte(remaining)
		if err != nil {
			if isTimeout(err) {
				break
			}
			return 0, err
		}
		switch c {
		case ACK, NAK, CAN:
			return c, nil
		}
	}
	return NAK, nil
}

func (s *Sender) cancel() {
	_, _ = s.port.Write([]byte{CAN, CAN})
}
