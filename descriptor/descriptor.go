// Package descriptor decodes USB descriptor byte streams into a lazy,
// forward-only sequence of typed records.
package descriptor

import (
	"encoding/binary"

	"github.com/ardnew/usbhost/pkg"
)

// Standard descriptor types (USB 2.0 spec Table 9-5), plus the
// class-specific types this stack parses beyond the generic envelope.
const (
	TypeDevice        = 0x01
	TypeConfiguration = 0x02
	TypeString        = 0x03
	TypeInterface     = 0x04
	TypeEndpoint      = 0x05
	TypeHIDFunctional = 0x21
	TypeHIDReport     = 0x22
	TypeHub           = 0x29
)

// Device class codes relevant to dispatch (spec.md C8).
const (
	ClassPerInterface = 0x00
	ClassHID          = 0x03
	ClassHub          = 0x09
	ClassApplication  = 0xFE // DFU lives at the application-specific class
)

// DFU subclass/protocol, application-specific class 0xFE.
const (
	DFUSubClass = 0x01
)

// Kind classifies a parsed record for the generic Item envelope.
type Kind uint8

// Item kinds.
const (
	KindDevice Kind = iota
	KindConfiguration
	KindInterface
	KindEndpoint
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindConfiguration:
		return "configuration"
	case KindInterface:
		return "interface"
	case KindEndpoint:
		return "endpoint"
	default:
		return "unknown"
	}
}

// Item is one record in a descriptor byte stream. Data references the
// original buffer passed to the Iterator; it is not copied.
type Item struct {
	Kind   Kind
	Type   uint8  // raw bDescriptorType, always populated
	Length uint8  // raw bLength, always populated
	Data   []byte // the full record, including the 2-byte header
}

// DeviceDescriptorSize is the length of a standard device descriptor.
const DeviceDescriptorSize = 18

// ConfigurationDescriptorSize is the length of a configuration descriptor
// header (sub-descriptors follow and are walked separately).
const ConfigurationDescriptorSize = 9

// InterfaceDescriptorSize is the length of an interface descriptor.
const InterfaceDescriptorSize = 9

// EndpointDescriptorSize is the length of an endpoint descriptor.
const EndpointDescriptorSize = 7

// Device is the decoded standard device descriptor (18 bytes).
type Device struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDevice decodes a standard device descriptor. data must be at least
// DeviceDescriptorSize bytes and little-endian, per spec.md section 4.3.
func ParseDevice(data []byte) (Device, error) {
	var d Device
	if len(data) < DeviceDescriptorSize {
		return d, pkg.ErrIncomplete
	}
	if data[0] != DeviceDescriptorSize {
		return d, pkg.ErrInvalidLength
	}
	if data[1] != TypeDevice {
		return d, pkg.ErrInvalidResponse
	}
	d.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	d.DeviceClass = data[4]
	d.DeviceSubClass = data[5]
	d.DeviceProtocol = data[6]
	d.MaxPacketSize0 = data[7]
	d.VendorID = binary.LittleEndian.Uint16(data[8:10])
	d.ProductID = binary.LittleEndian.Uint16(data[10:12])
	d.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	d.ManufacturerIndex = data[14]
	d.ProductIndex = data[15]
	d.SerialNumberIndex = data[16]
	d.NumConfigurations = data[17]
	return d, nil
}

// Configuration is the decoded configuration descriptor header (9 bytes).
type Configuration struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ParseConfiguration decodes a configuration descriptor header.
func ParseConfiguration(data []byte) (Configuration, error) {
	var c Configuration
	if len(data) < ConfigurationDescriptorSize {
		return c, pkg.ErrIncomplete
	}
	if data[1] != TypeConfiguration {
		return c, pkg.ErrInvalidResponse
	}
	c.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	c.NumInterfaces = data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]
	return c, nil
}

// Interface is the decoded interface descriptor (9 bytes).
type Interface struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// ParseInterface decodes an interface descriptor.
func ParseInterface(data []byte) (Interface, error) {
	var i Interface
	if len(data) < InterfaceDescriptorSize {
		return i, pkg.ErrIncomplete
	}
	if data[1] != TypeInterface {
		return i, pkg.ErrInvalidResponse
	}
	i.InterfaceNumber = data[2]
	i.AlternateSetting = data[3]
	i.NumEndpoints = data[4]
	i.InterfaceClass = data[5]
	i.InterfaceSubClass = data[6]
	i.InterfaceProtocol = data[7]
	i.InterfaceIndex = data[8]
	return i, nil
}

// Endpoint is the decoded endpoint descriptor (7 bytes).
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// Number returns the endpoint number (0-15).
func (e Endpoint) Number() uint8 { return e.Address & 0x0F }

// IsIn reports whether this is a device-to-host (IN) endpoint.
func (e Endpoint) IsIn() bool { return e.Address&0x80 != 0 }

// TransferType values in Endpoint.Attributes bits 0-1.
const (
	TransferControl     = 0
	TransferIsochronous = 1
	TransferBulk        = 2
	TransferInterrupt   = 3
)

// TransferType returns the endpoint's transfer type.
func (e Endpoint) TransferType() uint8 { return e.Attributes & 0x03 }

// ParseEndpoint decodes an endpoint descriptor.
func ParseEndpoint(data []byte) (Endpoint, error) {
	var e Endpoint
	if len(data) < EndpointDescriptorSize {
		return e, pkg.ErrIncomplete
	}
	if data[1] != TypeEndpoint {
		return e, pkg.ErrInvalidResponse
	}
	e.Address = data[2]
	e.Attributes = data[3]
	e.MaxPacketSize = binary.LittleEndian.Uint16(data[4:6])
	e.Interval = data[6]
	return e, nil
}

// Iterator walks a configuration descriptor's byte stream record by
// record, the lazy forward-only sequence spec.md section 4.3 calls for.
// Each returned Item aliases buf; Iterator never copies or allocates.
type Iterator struct {
	buf []byte
	pos int
	err error
}

// NewIterator returns an Iterator over buf, a configuration descriptor and
// its trailing interface/endpoint/class-specific sub-descriptors.
func NewIterator(buf []byte) *Iterator {
	return &Iterator{buf: buf}
}

// Err returns the error that stopped iteration, or nil if iteration ended
// cleanly (buf fully consumed) or has not yet failed.
func (it *Iterator) Err() error { return it.err }

// Next returns the next Item, or ok=false when the buffer is exhausted or
// a parse error occurred (check Err to distinguish the two).
func (it *Iterator) Next() (item Item, ok bool) {
	if it.err != nil || it.pos >= len(it.buf) {
		return Item{}, false
	}
	remaining := it.buf[it.pos:]
	if len(remaining) < 2 {
		it.err = pkg.ErrIncomplete
		return Item{}, false
	}
	length := int(remaining[0])
	descType := remaining[1]
	if length < 2 {
		it.err = pkg.ErrInvalidLength
		return Item{}, false
	}
	if length > len(remaining) {
		it.err = pkg.ErrIncomplete
		return Item{}, false
	}
	record := remaining[:length]
	it.pos += length

	item = Item{Type: descType, Length: uint8(length), Data: record}
	switch descType {
	case TypeDevice:
		item.Kind = KindDevice
	case TypeConfiguration:
		item.Kind = KindConfiguration
	case TypeInterface:
		item.Kind = KindInterface
	case TypeEndpoint:
		item.Kind = KindEndpoint
	default:
		// Class-specific and vendor-specific descriptors (HID 0x21, hub
		// 0x29, DFU functional 0x21, CDC 0x24, ...) pass through as
		// Unknown rather than as an iteration error, per spec.md 4.3.
		item.Kind = KindUnknown
	}
	return item, true
}
