package skiff

import (
	"fmt"
	"reflect"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// DecimalExtID represents the decimal MessagePack extension type
// identifier. Decimal document values travel as extension payloads
// holding the canonical string form of the number.
const DecimalExtID = 1

// EncodeDecimalExt encodes a decimal into a MessagePack extension.
func EncodeDecimalExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	dec := v.Interface().(decimal.Decimal)
	return []byte(dec.String()), nil
}

// DecodeDecimalExt decodes a MessagePack extension into a decimal.
func DecodeDecimalExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	bytes := make([]byte, extLen)

	n, err := d.Buffered().Read(bytes)
	if err != nil {
		return fmt.Errorf("msgpack: can't read bytes on decimal decode: %w", err)
	}
	if n < extLen {
		return fmt.Errorf("msgpack: unexpected end of stream after %d decimal bytes", n)
	}

	dec, err := decimal.NewFromString(string(bytes))
	if err != nil {
		return fmt.Errorf("msgpack: can't parse decimal %q: %w", string(bytes), err)
	}

	v.Set(reflect.ValueOf(dec))
	return nil
}

func init() {
	msgpack.RegisterExtEncoder(DecimalExtID, decimal.Decimal{}, EncodeDecimalExt)
	msgpack.RegisterExtDecoder(DecimalExtID, decimal.Decimal{}, DecodeDecimalExt)
}
