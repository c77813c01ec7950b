package noisexx

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/weavemesh/weavenet/pkg/codec/cborcanon"
)

// maxHandshakeMessage bounds a single handshake message on the wire.
const maxHandshakeMessage = 16 << 10

// RunClient performs the full initiator-side handshake over a raw stream.
// The reader must be the same buffered reader later used for frames, so no
// bytes are lost between the handshake and the first frame.
func RunClient(r *bufio.Reader, w io.Writer, hs *Handshake) (*Result, error) {
	hello, err := hs.CreateClientHello()
	if err != nil {
		return nil, err
	}
	if err := writeMessage(w, hello); err != nil {
		return nil, err
	}

	var serverHello ServerHello
	if err := readMessage(r, &serverHello); err != nil {
		return nil, err
	}

	finish, err := hs.ProcessServerHello(&serverHello)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(w, finish); err != nil {
		return nil, err
	}

	return hs.Result()
}

// RunServer performs the full responder-side handshake over a raw stream.
func RunServer(r *bufio.Reader, w io.Writer, hs *Handshake) (*Result, error) {
	var hello ClientHello
	if err := readMessage(r, &hello); err != nil {
		return nil, err
	}

	reply, err := hs.ProcessClientHello(&hello)
	if err != nil {
		return nil, err
	}
	if err := writeMessage(w, reply); err != nil {
		return nil, err
	}

	var finish ClientFinish
	if err := readMessage(r, &finish); err != nil {
		return nil, err
	}
	if err := hs.ProcessClientFinish(&finish, &hello); err != nil {
		return nil, err
	}

	return hs.Result()
}

func writeMessage(w io.Writer, v interface{}) error {
	data, err := cborcanon.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode handshake message: %w", err)
	}
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(data)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

func readMessage(r *bufio.Reader, v interface{}) error {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return err
	}
	if size > maxHandshakeMessage {
		return fmt.Errorf("handshake message length %d exceeds maximum", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if err := cborcanon.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("undecodable handshake message: %w", err)
	}
	return nil
}
