// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the algorithm a block's plaintext was
// compressed with before encryption. The tag is the first byte of the
// sealed payload, so it is authenticated along with the content.
type CompressionTag byte

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", byte(tag))
	}
}

// errIncompressible signals that compression did not shrink the data;
// the block is stored uncompressed instead.
var errIncompressible = errors.New("store: data is incompressible")

// Size thresholds for algorithm selection. Tiny blocks are not worth
// the header overhead; LZ4 wins on latency for ordinary blocks; zstd
// earns its CPU cost on large ones.
const (
	compressMinSize  = 512
	compressZstdSize = 1 << 20
)

// packBlock builds the plaintext payload sealed into a block:
// [1-byte tag][4-byte big-endian uncompressed size][body].
func packBlock(plaintext []byte) ([]byte, error) {
	if len(plaintext) > int(^uint32(0)) {
		return nil, fmt.Errorf("store: block of %d bytes exceeds format limit", len(plaintext))
	}

	tag := CompressionNone
	body := plaintext
	if len(plaintext) >= compressMinSize {
		var (
			compressed []byte
			err        error
		)
		if len(plaintext) >= compressZstdSize {
			tag = CompressionZstd
			compressed, err = compressZstd(plaintext)
		} else {
			tag = CompressionLZ4
			compressed, err = compressLZ4(plaintext)
		}
		switch {
		case err == nil:
			body = compressed
		case errors.Is(err, errIncompressible):
			tag = CompressionNone
		default:
			return nil, err
		}
	}

	packed := make([]byte, 5+len(body))
	packed[0] = byte(tag)
	binary.BigEndian.PutUint32(packed[1:5], uint32(len(plaintext)))
	copy(packed[5:], body)
	return packed, nil
}

// unpackBlock reverses packBlock, verifying the recovered length
// against the recorded one.
func unpackBlock(packed []byte) ([]byte, error) {
	if len(packed) < 5 {
		return nil, fmt.Errorf("store: block payload truncated at %d bytes", len(packed))
	}
	tag := CompressionTag(packed[0])
	size := int(binary.BigEndian.Uint32(packed[1:5]))
	body := packed[5:]

	switch tag {
	case CompressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("store: uncompressed block: %d bytes, header says %d", len(body), size)
		}
		return body, nil
	case CompressionLZ4:
		return decompressLZ4(body, size)
	case CompressionZstd:
		return decompressZstd(body, size)
	default:
		return nil, fmt.Errorf("store: unknown compression tag %d", byte(tag))
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("store: lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("store: lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("store: lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// The zstd encoder and decoder are stateless for EncodeAll/DecodeAll
// use and safe for concurrent callers, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("store: zstd decompress: %w", err)
	}
	if len(destination) != uncompressedSize {
		return nil, fmt.Errorf("store: zstd decompress: got %d bytes, expected %d", len(destination), uncompressedSize)
	}
	return destination, nil
}
