package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// Packet 一帧数据：VarInt(length) VarInt(id) payload，length 仅为 payload 长度
type Packet struct {
	ID   VarInt
	Data []byte
}

// ReadPacket 从 r 中切出一帧，不解释 payload
func ReadPacket(r *bytes.Reader) (Packet, error) {
	length, err := ReadVarInt(r)
	if err != nil {
		return Packet{}, fmt.Errorf("read length: %w", err)
	}
	id, err := ReadVarInt(r)
	if err != nil {
		return Packet{}, fmt.Errorf("read id: %w", err)
	}
	if uint64(length) > uint64(r.Len()) {
		return Packet{}, fmt.Errorf("payload of %d bytes, %d available: %w", length, r.Len(), ErrInsufficient)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Packet{}, ErrInsufficient
	}
	return Packet{ID: id, Data: data}, nil
}

// WriteTo 按帧格式写入 w
func (p Packet) WriteTo(w *bytes.Buffer) {
	WriteVarInt(w, VarInt(len(p.Data)))
	WriteVarInt(w, p.ID)
	w.Write(p.Data)
}

// Size 编码后的总字节数
func (p Packet) Size() int {
	return SizeVarInt(VarInt(len(p.Data))) + SizeVarInt(p.ID) + len(p.Data)
}

// Bytes 返回编码后的帧
func (p Packet) Bytes() []byte {
	buf := getBuffer()
	defer putBuffer(buf)
	p.WriteTo(buf)
	return bytes.Clone(buf.Bytes())
}
