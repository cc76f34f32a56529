package link

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Capture writes frames to a libpcap stream.
type Capture struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	snapLen uint32
	now     func() time.Time
}

// NewCapture writes the pcap file header to out.
func NewCapture(out io.Writer, snapLen uint32) (*Capture, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("link: capture header: %w", err)
	}
	return &Capture{w: w, snapLen: snapLen, now: time.Now}, nil
}

// WriteFrame records one frame, truncated to the snap length.
func (c *Capture) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := frame
	if c.snapLen > 0 && uint32(len(data)) > c.snapLen {
		data = data[:c.snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(data),
		Length:        len(frame),
	}
	if err := c.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("link: capture packet: %w", err)
	}
	return nil
}
