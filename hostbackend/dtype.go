package hostbackend

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"paged-vllm-go/pagedvllm"
)

// encode writes vals into dst in the element format of d. dst must hold
// len(vals)*d.Size() bytes.
func encode(d pagedvllm.DType, dst []byte, vals []float32) error {
	if len(dst) != len(vals)*d.Size() {
		return fmt.Errorf("encode %d %s values into %d bytes", len(vals), d, len(dst))
	}
	switch d {
	case pagedvllm.DTypeF32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case pagedvllm.DTypeF16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
	case pagedvllm.DTypeBF16:
		copy(dst, bfloat16.EncodeFloat32(vals))
	case pagedvllm.DTypeI8:
		for i, v := range vals {
			dst[i] = byte(int8(max(-128, min(127, math.Round(float64(v))))))
		}
	default:
		return fmt.Errorf("unsupported kv cache dtype %q", d)
	}
	return nil
}

// decode reads the values stored in buf in the element format of d.
func decode(d pagedvllm.DType, buf []byte) ([]float32, error) {
	switch d {
	case pagedvllm.DTypeF32:
		vals := make([]float32, len(buf)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return vals, nil
	case pagedvllm.DTypeF16:
		vals := make([]float32, len(buf)/2)
		for i := range vals {
			vals[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
		return vals, nil
	case pagedvllm.DTypeBF16:
		return bfloat16.DecodeFloat32(buf), nil
	case pagedvllm.DTypeI8:
		vals := make([]float32, len(buf))
		for i, b := range buf {
			vals[i] = float32(int8(b))
		}
		return vals, nil
	default:
		return nil, fmt.Errorf("unsupported kv cache dtype %q", d)
	}
}
