package simulated

import (
	"encoding/binary"
	"hash/crc32"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// PayloadSize is the size of every bitstream produced by the backend.
const PayloadSize = 4 + 1 + 8 + 4

const nalUnitTypeSlice = 0x65

// Payload is the bitstream the backend produces for the frame with the given
// submission sequence number and tightly packed pixels: an Annex-B start
// code, a slice NAL header, the sequence number and the CRC32 of the pixels.
func Payload(seq uint64, pixels []byte) []byte {
	result := make([]byte, 0, PayloadSize)
	result = append(result, startCode...)
	result = append(result, nalUnitTypeSlice)
	result = binary.BigEndian.AppendUint64(result, seq)
	result = binary.BigEndian.AppendUint32(result, crc32.ChecksumIEEE(pixels))
	return result
}

// ParsePayload splits a concatenated bitstream back into the sequence
// numbers of its frames.
func ParsePayload(stream []byte) ([]uint64, bool) {
	var result []uint64
	for len(stream) > 0 {
		if len(stream) < PayloadSize || [4]byte(stream[:4]) != [4]byte(startCode) || stream[4] != nalUnitTypeSlice {
			return result, false
		}
		result = append(result, binary.BigEndian.Uint64(stream[5:13]))
		stream = stream[PayloadSize:]
	}
	return result, true
}
