package transfer

import "encoding/binary"

// Request is the bit-exact 8-byte USB setup packet (spec.md section 3).
type Request struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// RequestType direction bit.
const (
	DirHostToDevice = 0x00
	DirDeviceToHost = 0x80
)

// RequestType category bits (bits 5-6).
const (
	CategoryStandard = 0x00
	CategoryClass    = 0x20
	CategoryVendor   = 0x40
	CategoryReserved = 0x60
)

// RequestType recipient bits (bits 0-4).
const (
	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
	RecipientOther     = 0x03
)

// Standard request codes (USB 2.0 spec Table 9-4).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetConfiguration = 0x09
)

// MarshalTo writes the setup packet to buf (must be >= 8 bytes).
func (r Request) MarshalTo(buf *[8]byte) {
	buf[0] = r.RequestType
	buf[1] = r.Request
	binary.LittleEndian.PutUint16(buf[2:4], r.Value)
	binary.LittleEndian.PutUint16(buf[4:6], r.Index)
	binary.LittleEndian.PutUint16(buf[6:8], r.Length)
}

// IsDeviceToHost reports whether this request's data stage, if any, flows
// device-to-host.
func (r Request) IsDeviceToHost() bool { return r.RequestType&DirDeviceToHost != 0 }

// GetDescriptor builds a standard GET_DESCRIPTOR request.
func GetDescriptor(descType uint8, index uint8, languageOrZero uint16, length uint16) Request {
	return Request{
		RequestType: DirDeviceToHost | CategoryStandard | RecipientDevice,
		Request:     ReqGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       languageOrZero,
		Length:      length,
	}
}

// SetAddress builds a standard SET_ADDRESS request.
func SetAddress(addr uint8) Request {
	return Request{
		RequestType: DirHostToDevice | CategoryStandard | RecipientDevice,
		Request:     ReqSetAddress,
		Value:       uint16(addr),
	}
}

// SetConfiguration builds a standard SET_CONFIGURATION request.
func SetConfiguration(value uint8) Request {
	return Request{
		RequestType: DirHostToDevice | CategoryStandard | RecipientDevice,
		Request:     ReqSetConfiguration,
		Value:       uint16(value),
	}
}

// GetHubDescriptor builds a class-specific GET_DESCRIPTOR request for the
// hub descriptor (type 0x29, spec.md section 6).
func GetHubDescriptor(length uint16) Request {
	return Request{
		RequestType: DirDeviceToHost | CategoryClass | RecipientDevice,
		Request:     ReqGetDescriptor,
		Value:       0x29 << 8,
		Length:      length,
	}
}

// GetPortStatus builds a class-specific GET_STATUS request targeting a hub
// port (recipient = Other, spec.md section 6).
func GetPortStatus(port uint8) Request {
	return Request{
		RequestType: DirDeviceToHost | CategoryClass | RecipientOther,
		Request:     ReqGetStatus,
		Index:       uint16(port),
		Length:      4,
	}
}

// Hub port features, used with SetPortFeature/ClearPortFeature.
const (
	FeaturePortConnection = 0
	FeaturePortEnable     = 1
	FeaturePortSuspend    = 2
	FeaturePortOverCurrent = 3
	FeaturePortReset      = 4
	FeaturePortPower      = 8
	FeatureCPortConnection = 16
	FeatureCPortEnable     = 17
	FeatureCPortSuspend    = 18
	FeatureCPortOverCurrent = 19
	FeatureCPortReset       = 20
)

// SetPortFeature builds a SET_FEATURE request against a hub port.
func SetPortFeature(port uint8, feature uint16) Request {
	return Request{
		RequestType: DirHostToDevice | CategoryClass | RecipientOther,
		Request:     ReqSetFeature,
		Value:       feature,
		Index:       uint16(port),
	}
}

// ClearPortFeature builds a CLEAR_FEATURE request against a hub port.
func ClearPortFeature(port uint8, feature uint16) Request {
	return Request{
		RequestType: DirHostToDevice | CategoryClass | RecipientOther,
		Request:     ReqClearFeature,
		Value:       feature,
		Index:       uint16(port),
	}
}
