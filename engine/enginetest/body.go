package enginetest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"

	"github.com/docker/docker/api/types"
)

// JSONBody encodes v as a response body.
func JSONBody(v any) io.ReadCloser {
	data, _ := json.Marshal(v)
	return io.NopCloser(bytes.NewReader(data))
}

// Frame builds one multiplexed stream frame: a type byte, three reserved
// bytes and a big-endian payload length. Stream 1 is stdout, 2 is stderr.
func Frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

// Hijacked wraps data as an attached exec stream.
func Hijacked(data []byte) types.HijackedResponse {
	conn, peer := net.Pipe()
	peer.Close()
	return types.HijackedResponse{
		Conn:   conn,
		Reader: bufio.NewReader(bytes.NewReader(data)),
	}
}
