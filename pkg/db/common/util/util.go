package util

import (
	"bytes"
	"encoding/json"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Marshal encodes v as JSON, zstd-compressed when compress is set. Record
// payloads are stored compressed; the small metadata row is not.
func Marshal(v any, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	e := json.NewEncoder(&buf)
	e.SetEscapeHTML(false)
	if err := e.Encode(v); err != nil {
		return nil, errors.Wrap(err, "json encode")
	}

	if !compress {
		return buf.Bytes(), nil
	}

	zw, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "new zstd writer")
	}
	return zw.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len())), nil
}

func Unmarshal(data []byte, compress bool, v any) error {
	if !compress {
		if err := json.Unmarshal(data, v); err != nil {
			return errors.Wrap(err, "json unmarshal")
		}
		return nil
	}

	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "new zstd reader")
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(v); err != nil {
		return errors.Wrap(err, "json decode")
	}
	return nil
}
