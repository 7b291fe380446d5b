package persist

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var magic = []byte("RPW1")

// Encode writes the magic header followed by an lz4 frame holding the
// msgpack form of w.
func Encode(dst io.Writer, w *World) error {
	if _, err := dst.Write(magic); err != nil {
		return errors.Wrap(err, "write header")
	}
	zw := lz4.NewWriter(dst)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return errors.Wrap(err, "lz4 options")
	}
	enc := msgpack.NewEncoder(zw)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(w); err != nil {
		return errors.Wrap(err, "encode world")
	}
	return errors.Wrap(zw.Close(), "flush lz4")
}

func Decode(src io.Reader) (*World, error) {
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(src, head); err != nil {
		return nil, errors.Wrap(ErrBadMagic, err.Error())
	}
	if !bytes.Equal(head, magic) {
		return nil, ErrBadMagic
	}
	var w World
	if err := msgpack.NewDecoder(lz4.NewReader(src)).Decode(&w); err != nil {
		return nil, errors.Wrap(err, "decode world")
	}
	return &w, nil
}

// Marshal is Encode into a fresh byte slice.
func Marshal(w *World) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte) (*World, error) {
	return Decode(bytes.NewReader(data))
}
