// compress.go - AWH payload compression.
// Copyright (C) 2024  AWH Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package hash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/ioutil"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// deflateTail is the final empty stored block appended so a sync-flushed
// takeover chunk reads to a clean EOF.
var deflateTail = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

var errTruncated = errors.New("truncated input")

func (h *Hash) gzipLevel() int {
	switch h.level {
	case LevelBest:
		return gzip.BestCompression
	case LevelSpeed:
		return gzip.BestSpeed
	}
	return gzip.DefaultCompression
}

func (h *Hash) brotliLevel() int {
	switch h.level {
	case LevelBest:
		return brotli.BestCompression
	case LevelSpeed:
		return brotli.BestSpeed
	}
	return brotli.DefaultCompression
}

func (h *Hash) zstdLevel() zstd.EncoderLevel {
	switch h.level {
	case LevelBest:
		return zstd.SpeedBestCompression
	case LevelSpeed:
		return zstd.SpeedDefault
	}
	return zstd.SpeedBetterCompression
}

// Compress shrinks data with the requested method.
func (h *Hash) Compress(data []byte, m Method) ([]byte, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	switch m {
	case MethodNone:
		return data, nil
	case MethodGzip:
		return h.gzipCompress(data)
	case MethodDeflate:
		return h.deflateCompress(data)
	case MethodBzip2:
		return h.bzip2Compress(data)
	case MethodBrotli:
		return h.brotliCompress(data)
	case MethodLz4:
		return h.lz4Compress(data)
	case MethodLzma:
		return h.xzCompress(data)
	case MethodZstd:
		return h.zstdCompress(data)
	}
	return nil, codecErr(m.String(), errors.New("unknown method"))
}

// Decompress reverses Compress.
func (h *Hash) Decompress(data []byte, m Method) ([]byte, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	switch m {
	case MethodNone:
		return data, nil
	case MethodGzip:
		return h.gzipDecompress(data)
	case MethodDeflate:
		return h.deflateDecompress(data)
	case MethodBzip2:
		return h.bzip2Decompress(data)
	case MethodBrotli:
		return h.brotliDecompress(data)
	case MethodLz4:
		return h.lz4Decompress(data)
	case MethodLzma:
		return h.xzDecompress(data)
	case MethodZstd:
		return h.zstdDecompress(data)
	}
	return nil, codecErr(m.String(), errors.New("unknown method"))
}

func (h *Hash) gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, h.gzipLevel())
	if err != nil {
		return nil, codecErr("GZIP", err)
	}
	if _, err = w.Write(data); err != nil {
		return nil, codecErr("GZIP", err)
	}
	if err = w.Close(); err != nil {
		return nil, codecErr("GZIP", err)
	}
	return buf.Bytes(), nil
}

func (h *Hash) gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, codecErr("GZIP", err)
	}
	defer r.Close()
	out, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, codecErr("GZIP", err)
	}
	return out, nil
}

func (h *Hash) deflateCompress(data []byte) ([]byte, error) {
	if h.takeoverCompress {
		if h.defWriter == nil {
			w, err := flate.NewWriter(&h.defBuf, h.gzipLevel())
			if err != nil {
				return nil, codecErr("DEFLATE", err)
			}
			h.defWriter = w
		}
		h.defBuf.Reset()
		if _, err := h.defWriter.Write(data); err != nil {
			return nil, codecErr("DEFLATE", err)
		}
		if err := h.defWriter.Flush(); err != nil {
			return nil, codecErr("DEFLATE", err)
		}
		out := make([]byte, h.defBuf.Len())
		copy(out, h.defBuf.Bytes())
		return out, nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, h.gzipLevel())
	if err != nil {
		return nil, codecErr("DEFLATE", err)
	}
	if _, err = w.Write(data); err != nil {
		return nil, codecErr("DEFLATE", err)
	}
	if err = w.Close(); err != nil {
		return nil, codecErr("DEFLATE", err)
	}
	return buf.Bytes(), nil
}

func (h *Hash) deflateDecompress(data []byte) ([]byte, error) {
	if h.takeoverDecompress {
		in := make([]byte, 0, len(data)+len(deflateTail))
		in = append(in, data...)
		in = append(in, deflateTail...)
		r := flate.NewReaderDict(bytes.NewReader(in), h.defDict)
		out, err := ioutil.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, codecErr("DEFLATE", err)
		}
		h.defDict = append(h.defDict, out...)
		if max := h.window(); len(h.defDict) > max {
			h.defDict = append(h.defDict[:0:0], h.defDict[len(h.defDict)-max:]...)
		}
		return out, nil
	}

	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, codecErr("DEFLATE", err)
	}
	return out, nil
}

func (h *Hash) bzip2Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 5})
	if err != nil {
		return nil, codecErr("BZIP2", err)
	}
	if _, err = w.Write(data); err != nil {
		return nil, codecErr("BZIP2", err)
	}
	if err = w.Close(); err != nil {
		return nil, codecErr("BZIP2", err)
	}
	return buf.Bytes(), nil
}

func (h *Hash) bzip2Decompress(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, codecErr("BZIP2", err)
	}
	defer r.Close()
	out, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, codecErr("BZIP2", err)
	}
	return out, nil
}

func (h *Hash) brotliCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, h.brotliLevel())
	if _, err := w.Write(data); err != nil {
		return nil, codecErr("BROTLI", err)
	}
	if err := w.Close(); err != nil {
		return nil, codecErr("BROTLI", err)
	}
	return buf.Bytes(), nil
}

func (h *Hash) brotliDecompress(data []byte) ([]byte, error) {
	out, err := ioutil.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, codecErr("BROTLI", err)
	}
	return out, nil
}

// LZ4 rides the block API; the stored form is the uncompressed length as a
// uvarint, a raw/compressed marker, then the block.
func (h *Hash) lz4Compress(data []byte) ([]byte, error) {
	head := make([]byte, binary.MaxVarintLen64+1)
	n := binary.PutUvarint(head, uint64(len(data)))

	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var cn int
	var err error
	if h.level == LevelBest {
		c := lz4.CompressorHC{Level: lz4.Level9}
		cn, err = c.CompressBlock(data, dst)
	} else {
		var c lz4.Compressor
		cn, err = c.CompressBlock(data, dst)
	}
	if err != nil {
		return nil, codecErr("LZ4", err)
	}
	if cn == 0 || cn >= len(data) {
		// Incompressible; store raw.
		head[n] = 0
		return append(head[:n+1], data...), nil
	}
	head[n] = 1
	return append(head[:n+1], dst[:cn]...), nil
}

func (h *Hash) lz4Decompress(data []byte) ([]byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 || len(data) < n+1 {
		return nil, codecErr("LZ4", errTruncated)
	}
	marker := data[n]
	body := data[n+1:]
	if marker == 0 {
		if uint64(len(body)) != size {
			return nil, codecErr("LZ4", errTruncated)
		}
		return body, nil
	}
	out := make([]byte, size)
	dn, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, codecErr("LZ4", err)
	}
	return out[:dn], nil
}

func (h *Hash) xzCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, codecErr("LZMA", err)
	}
	if _, err = w.Write(data); err != nil {
		return nil, codecErr("LZMA", err)
	}
	if err = w.Close(); err != nil {
		return nil, codecErr("LZMA", err)
	}
	return buf.Bytes(), nil
}

func (h *Hash) xzDecompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, codecErr("LZMA", err)
	}
	out, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, codecErr("LZMA", err)
	}
	return out, nil
}

func (h *Hash) zstdCompress(data []byte) ([]byte, error) {
	if h.zstdEnc == nil {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(h.zstdLevel()))
		if err != nil {
			return nil, codecErr("ZSTD", err)
		}
		h.zstdEnc = enc
	}
	return h.zstdEnc.EncodeAll(data, nil), nil
}

func (h *Hash) zstdDecompress(data []byte) ([]byte, error) {
	if h.zstdDec == nil {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, codecErr("ZSTD", err)
		}
		h.zstdDec = dec
	}
	out, err := h.zstdDec.DecodeAll(data, nil)
	if err != nil {
		return nil, codecErr("ZSTD", err)
	}
	return out, nil
}
