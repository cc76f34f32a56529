package link

import (
	"errors"
	"fmt"
	"sync"
)

// EyeCatcher identifies a live packet driver at a vector.
const EyeCatcher = "PKT DRVR"

// Software interrupt range scanned for packet drivers.
const (
	FirstVector uint8 = 0x60
	LastVector  uint8 = 0x80
)

var (
	// ErrDriverMissing means no packet driver answers at the vector.
	ErrDriverMissing = errors.New("link: packet driver missing")
	// ErrCantSend is a transient transmit failure; callers may retry.
	ErrCantSend = errors.New("link: driver cannot send")
	// ErrBadHandle is returned for an unknown or released handle.
	ErrBadHandle = errors.New("link: bad handle")
	// ErrTypeInUse is returned when the driver already has a receiver.
	ErrTypeInUse = errors.New("link: type already registered")
)

// DriverInfo is what driver_info reports.
type DriverInfo struct {
	Version uint16
	Class   uint8
	Type    uint16
	Number  uint8
	Name    string
}

// Class 1 is DIX Ethernet.
const ClassEthernet uint8 = 1

// Handle names one access_type registration.
type Handle int

// Receiver is the stack's side of the two-call receive contract. The driver
// calls Request with the frame length; a nil result means drop. After copying
// the frame into the buffer it calls Copied.
type Receiver interface {
	Request(length int) *Buffer
	Copied(b *Buffer, length int)
}

// PacketDriver is the host driver contract.
type PacketDriver interface {
	// EyeCatcher returns the signature found at the driver's entry point.
	EyeCatcher() string
	DriverInfo() (DriverInfo, error)
	// AccessType registers r for frames of etherType; nil matches all types.
	AccessType(etherType []byte, r Receiver) (Handle, error)
	ReleaseType(h Handle) error
	SendPkt(frame []byte) error
	GetAddress(h Handle) ([6]byte, error)
	ResetInterface(h Handle) error
}

// Vectors maps software interrupt numbers to installed drivers.
type Vectors struct {
	mu      sync.Mutex
	drivers map[uint8]PacketDriver
}

// NewVectors returns an empty vector table.
func NewVectors() *Vectors {
	return &Vectors{drivers: make(map[uint8]PacketDriver)}
}

// Install places d at vector.
func (v *Vectors) Install(vector uint8, d PacketDriver) error {
	if vector < FirstVector || vector > LastVector {
		return fmt.Errorf("link: vector 0x%02x outside 0x%02x-0x%02x", vector, FirstVector, LastVector)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.drivers[vector] = d
	return nil
}

// Uninstall clears vector.
func (v *Vectors) Uninstall(vector uint8) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.drivers, vector)
}

// Lookup returns the driver at vector if it carries the eye-catcher.
func (v *Vectors) Lookup(vector uint8) (PacketDriver, error) {
	v.mu.Lock()
	d := v.drivers[vector]
	v.mu.Unlock()

	if d == nil || d.EyeCatcher() != EyeCatcher {
		return nil, fmt.Errorf("vector 0x%02x: %w", vector, ErrDriverMissing)
	}
	return d, nil
}

// Scan returns the first vector in range with a live driver.
func (v *Vectors) Scan() (uint8, error) {
	for vec := int(FirstVector); vec <= int(LastVector); vec++ {
		if _, err := v.Lookup(uint8(vec)); err == nil {
			return uint8(vec), nil
		}
	}
	return 0, ErrDriverMissing
}
