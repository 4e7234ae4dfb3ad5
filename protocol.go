package skiff

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
)

// Packet layout: a 5-byte length marker (0xce + big-endian uint32),
// a fixed-key header map {code, sync} and a body document.
const packLengthBytes = 5

// Response is a reply to a single request.
type Response struct {
	// Sync is the id of the corresponding request.
	Sync uint32
	// Code echoes the request operation code.
	Code Op
	// Body is the reply document.
	Body Doc
}

func fillLength(data []byte, n int) {
	data[0] = 0xce
	binary.BigEndian.PutUint32(data[1:packLengthBytes], uint32(n))
}

func writePacket(w writeFlusher, code Op, sync uint32, body Doc) error {
	var buf bytes.Buffer
	buf.Write(make([]byte, packLengthBytes))

	enc := newEncoder(&buf)
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint(keyCode); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(code)); err != nil {
		return err
	}
	if err := enc.EncodeUint(keySync); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(sync)); err != nil {
		return err
	}

	if body == nil {
		body = Doc{}
	}
	if err := enc.Encode(map[string]interface{}(body)); err != nil {
		return err
	}

	data := buf.Bytes()
	fillLength(data, len(data)-packLengthBytes)

	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

func readResponse(r io.Reader) (*Response, error) {
	var lenbuf [packLengthBytes]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	if lenbuf[0] != 0xce {
		return nil, ClientError{
			ErrProtocolError,
			fmt.Sprintf("wrong response length marker: 0x%x", lenbuf[0]),
		}
	}
	length := binary.BigEndian.Uint32(lenbuf[1:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	resp := &Response{}
	dec := newDecoder(bytes.NewReader(payload))

	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, ClientError{ErrProtocolError, "failed to decode response header: " + err.Error()}
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeInt()
		if err != nil {
			return nil, ClientError{ErrProtocolError, "failed to decode response header: " + err.Error()}
		}
		switch key {
		case keyCode:
			code, err := dec.DecodeUint64()
			if err != nil {
				return nil, ClientError{ErrProtocolError, "failed to decode response code: " + err.Error()}
			}
			resp.Code = Op(code)
		case keySync:
			sync, err := dec.DecodeUint64()
			if err != nil {
				return nil, ClientError{ErrProtocolError, "failed to decode response sync: " + err.Error()}
			}
			resp.Sync = uint32(sync)
		default:
			if err := dec.Skip(); err != nil {
				return nil, ClientError{ErrProtocolError, "failed to skip response header field: " + err.Error()}
			}
		}
	}

	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, ClientError{ErrProtocolError, "failed to decode response body: " + err.Error()}
	}
	resp.Body = Doc(body)

	return resp, nil
}

// serverError extracts a server Error from a reply body, or nil when
// the reply reports success.
func serverError(body Doc) error {
	if body.Ok() {
		return nil
	}
	code, _ := body.Num("code")
	msg := body.Str("errmsg")
	if msg == "" {
		msg = "command failed"
	}
	return Error{Code: uint32(code), Msg: msg}
}

// scramblePassword computes the salted digest sent instead of the
// password: xor(sha1(salt + sha1(sha1(password))), sha1(password)).
func scramblePassword(salt, password string) []byte {
	step1 := sha1.Sum([]byte(password))
	step2 := sha1.Sum(step1[:])

	h := sha1.New()
	h.Write([]byte(salt))
	h.Write(step2[:])
	step3 := h.Sum(nil)

	for i := range step3 {
		step3[i] ^= step1[i]
	}
	return step3
}
