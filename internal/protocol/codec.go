package protocol

import (
	"bytes"
	"errors"
	"io"
	"unicode/utf8"

	pk "github.com/Tnze/go-mc/net/packet"
)

// VarInt 无符号变长整数，每字节 7 位，小端分组
type VarInt = uint32

var (
	// ErrInsufficient 数据不足以解出完整字段
	ErrInsufficient = errors.New("protocol: insufficient data")
	// ErrVarIntTooBig VarInt 超过 5 字节仍未结束
	ErrVarIntTooBig = errors.New("protocol: varint too big")
	// ErrInvalidEncoding 字符串不是合法的 UTF-8
	ErrInvalidEncoding = errors.New("protocol: invalid utf-8 string")
)

// ReadVarInt 读取一个 VarInt，接受非最短编码
func ReadVarInt(r *bytes.Reader) (VarInt, error) {
	var v uint32
	for i := 0; i < MaxVarIntLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, ErrInsufficient
		}
		// 第 5 字节只有低 4 位属于 32 位取值
		if i == MaxVarIntLen-1 && b&0x70 != 0 {
			return 0, ErrVarIntTooBig
		}
		v |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, ErrVarIntTooBig
}

// WriteVarInt 以最短形式写入 VarInt
func WriteVarInt(w *bytes.Buffer, v VarInt) {
	// bytes.Buffer 的写入不会失败
	_, _ = pk.VarInt(int32(v)).WriteTo(w)
}

// SizeVarInt 返回 v 编码后的字节数
func SizeVarInt(v VarInt) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// ReadString 读取长度前缀的 UTF-8 字符串
func ReadString(r *bytes.Reader) (string, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.Len()) {
		return "", ErrInsufficient
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ErrInsufficient
	}
	if !utf8.Valid(buf) {
		return "", ErrInvalidEncoding
	}
	return string(buf), nil
}

// WriteString 写入长度前缀的字符串
func WriteString(w *bytes.Buffer, s string) {
	_, _ = pk.String(s).WriteTo(w)
}
