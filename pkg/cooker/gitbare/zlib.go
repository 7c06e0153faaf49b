package gitbare

import (
	"bytes"
	"compress/zlib"
)

// zlibCompress compresses data at level 1: git objects must be
// zlib-compressed, but repacking immediately decompresses and discards
// the loose copy, so spending more than minimal effort here is wasted
// (spec §4.6).
func zlibCompress(data []byte) []byte {
	var buf bytes.Buffer
	w, _ := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}
