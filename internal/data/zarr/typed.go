package zarr

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

var le = binary.LittleEndian

var nativeLittleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// Element is a fixed-size numeric type that can back an array buffer.
type Element interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// AsBytes returns the little-endian byte view of s. On little-endian hosts
// the view aliases s; otherwise a converted copy is returned.
func AsBytes[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	size := int(unsafe.Sizeof(s[0]))
	if nativeLittleEndian || size == 1 {
		return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*size)
	}
	out := make([]byte, len(s)*size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*size))
	return swapBytes(out, size)
}

// DecodeUint16 converts little-endian element bytes of dataType into uint16
// values. Wider integer types are truncated.
func DecodeUint16(data []byte, dataType string) ([]uint16, error) {
	size, err := dtypeSize(dataType)
	if err != nil {
		return nil, err
	}
	n := len(data) / size
	out := make([]uint16, n)
	switch dataType {
	case "bool", "uint8", "int8":
		for i := 0; i < n; i++ {
			out[i] = uint16(data[i])
		}
	case "uint16", "int16":
		for i := 0; i < n; i++ {
			out[i] = le.Uint16(data[i*2:])
		}
	case "uint32", "int32":
		for i := 0; i < n; i++ {
			out[i] = uint16(le.Uint32(data[i*4:]))
		}
	case "uint64", "int64":
		for i := 0; i < n; i++ {
			out[i] = uint16(le.Uint64(data[i*8:]))
		}
	default:
		return nil, fmt.Errorf("%w: cannot read %s as uint16", ErrUnsupportedDataType, dataType)
	}
	return out, nil
}

// DecodeUint32 converts little-endian element bytes of dataType into uint32
// values. Wider integer types are truncated.
func DecodeUint32(data []byte, dataType string) ([]uint32, error) {
	size, err := dtypeSize(dataType)
	if err != nil {
		return nil, err
	}
	n := len(data) / size
	out := make([]uint32, n)
	switch dataType {
	case "bool", "uint8", "int8":
		for i := 0; i < n; i++ {
			out[i] = uint32(data[i])
		}
	case "uint16", "int16":
		for i := 0; i < n; i++ {
			out[i] = uint32(le.Uint16(data[i*2:]))
		}
	case "uint32", "int32":
		for i := 0; i < n; i++ {
			out[i] = le.Uint32(data[i*4:])
		}
	case "uint64", "int64":
		for i := 0; i < n; i++ {
			out[i] = uint32(le.Uint64(data[i*8:]))
		}
	default:
		return nil, fmt.Errorf("%w: cannot read %s as uint32", ErrUnsupportedDataType, dataType)
	}
	return out, nil
}

// DecodeInt64 converts little-endian integer element bytes into int64 values.
func DecodeInt64(data []byte, dataType string) ([]int64, error) {
	size, err := dtypeSize(dataType)
	if err != nil {
		return nil, err
	}
	n := len(data) / size
	out := make([]int64, n)
	switch dataType {
	case "uint8":
		for i := 0; i < n; i++ {
			out[i] = int64(data[i])
		}
	case "int8":
		for i := 0; i < n; i++ {
			out[i] = int64(int8(data[i]))
		}
	case "uint16":
		for i := 0; i < n; i++ {
			out[i] = int64(le.Uint16(data[i*2:]))
		}
	case "int16":
		for i := 0; i < n; i++ {
			out[i] = int64(int16(le.Uint16(data[i*2:])))
		}
	case "uint32":
		for i := 0; i < n; i++ {
			out[i] = int64(le.Uint32(data[i*4:]))
		}
	case "int32":
		for i := 0; i < n; i++ {
			out[i] = int64(int32(le.Uint32(data[i*4:])))
		}
	case "uint64", "int64":
		for i := 0; i < n; i++ {
			out[i] = int64(le.Uint64(data[i*8:]))
		}
	default:
		return nil, fmt.Errorf("%w: cannot read %s as int64", ErrUnsupportedDataType, dataType)
	}
	return out, nil
}
