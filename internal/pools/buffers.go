package pools

import "sync"

// relay copy buffers; 32K matches io.Copy's internal default
const relayBufferSize = 32 * 1024

var RelayBuffers = &sync.Pool{New: func() interface{} {
	b := make([]byte, relayBufferSize)
	return &b
}}

func GetRelayBuffer() *[]byte {
	return RelayBuffers.Get().(*[]byte)
}

func DiscardRelayBuffer(buf *[]byte) {
	RelayBuffers.Put(buf)
}
