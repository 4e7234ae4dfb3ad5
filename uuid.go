package skiff

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// UUIDExtID represents the UUID MessagePack extension type identifier.
const UUIDExtID = 2

// EncodeUUIDExt encodes a UUID into a MessagePack extension.
func EncodeUUIDExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	id := v.Interface().(uuid.UUID)
	return id.MarshalBinary()
}

// DecodeUUIDExt decodes a MessagePack extension into a UUID.
func DecodeUUIDExt(d *msgpack.Decoder, v reflect.Value, _ int) error {
	var bytesCount = 16
	bytes := make([]byte, bytesCount)

	n, err := d.Buffered().Read(bytes)
	if err != nil {
		return fmt.Errorf("msgpack: can't read bytes on uuid decode: %w", err)
	}
	if n < bytesCount {
		return fmt.Errorf("msgpack: unexpected end of stream after %d uuid bytes", n)
	}

	id, err := uuid.FromBytes(bytes)
	if err != nil {
		return fmt.Errorf("msgpack: can't create uuid from bytes: %w", err)
	}

	v.Set(reflect.ValueOf(id))
	return nil
}

func init() {
	msgpack.RegisterExtEncoder(UUIDExtID, uuid.UUID{}, EncodeUUIDExt)
	msgpack.RegisterExtDecoder(UUIDExtID, uuid.UUID{}, DecodeUUIDExt)
}
