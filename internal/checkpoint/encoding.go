package checkpoint

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Badger values are Core Deterministic CBOR compressed with zstd, so the same
// checkpoint always produces the same bytes.
var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("checkpoint: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeCheckpoint(cp Checkpoint) ([]byte, error) {
	raw, err := encMode.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeCheckpoint(data []byte) (Checkpoint, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("decompress checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := decMode.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}
