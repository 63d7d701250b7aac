package protocol

import (
	"bytes"
	"sync"
)

// maxPooledBuffer 超过此容量的缓冲区不归还，避免池中积累大块内存
const maxPooledBuffer = 8192

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// getBuffer 获取编码缓冲区
func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putBuffer 归还编码缓冲区
func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= maxPooledBuffer {
		bufferPool.Put(buf)
	}
}
