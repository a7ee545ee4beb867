package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Ogg 页头字段偏移
const (
	oggHeaderSize     = 27
	oggHeaderTypeAt   = 5
	oggGranuleAt      = 6
	oggChecksumAt     = 22
	oggEndOfStream    = 0x04
	oggHeaderPages    = 2 // OpusHead 与 OpusTags
	oggCapturePattern = "OggS"
)

var oggCRCTable = sync.OnceValue(func() *[256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return &table
})

// oggChecksum 计算页校验和，校验和字段按 0 参与计算
func oggChecksum(page []byte) uint32 {
	table := oggCRCTable()
	var crc uint32
	for i, b := range page {
		if i >= oggChecksumAt && i < oggChecksumAt+4 {
			b = 0
		}
		crc = crc<<8 ^ table[byte(crc>>24)^b]
	}
	return crc
}

// granuleWriter 位于 OggWriter 与文件之间，每次 Write 收到一整页。
// 头两页原样写出；音频页的 granule 改为 next 指定的值，
// 并始终扣留最后一页，关闭时按 finish 的 granule 加上 EOS 标志写出。
type granuleWriter struct {
	out     io.WriteCloser
	pages   int
	granule uint64
	end     uint64
	ended   bool
	held    []byte
	closed  bool
}

func newGranuleWriter(out io.WriteCloser) *granuleWriter {
	return &granuleWriter{out: out}
}

// next 设置下一页的 granule
func (w *granuleWriter) next(granule uint64) { w.granule = granule }

// finish 设置最后一页的 granule
func (w *granuleWriter) finish(granule uint64) {
	w.end = granule
	w.ended = true
}

func (w *granuleWriter) Write(page []byte) (int, error) {
	if w.closed {
		return 0, errors.New("ogg stream closed")
	}
	if len(page) < oggHeaderSize || string(page[:4]) != oggCapturePattern {
		return 0, fmt.Errorf("malformed ogg page of %d bytes", len(page))
	}

	w.pages++
	if w.pages <= oggHeaderPages {
		if _, err := w.out.Write(page); err != nil {
			return 0, err
		}
		return len(page), nil
	}

	if err := w.flushHeld(); err != nil {
		return 0, err
	}
	w.held = append([]byte(nil), page...)
	binary.LittleEndian.PutUint64(w.held[oggGranuleAt:], w.granule)
	return len(page), nil
}

func (w *granuleWriter) flushHeld() error {
	if w.held == nil {
		return nil
	}
	binary.LittleEndian.PutUint32(w.held[oggChecksumAt:], oggChecksum(w.held))
	_, err := w.out.Write(w.held)
	w.held = nil
	return err
}

// Close 写出带 EOS 标志的最后一页并关闭底层文件
func (w *granuleWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.held != nil {
		w.held[oggHeaderTypeAt] |= oggEndOfStream
		if w.ended {
			binary.LittleEndian.PutUint64(w.held[oggGranuleAt:], w.end)
		}
		err = w.flushHeld()
	}
	return errors.Join(err, w.out.Close())
}
