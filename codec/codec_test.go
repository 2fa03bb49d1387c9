package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReader(t *testing.T) {
	w := NewWriter(16)
	w.Uint(300)
	w.Byte(7)
	w.Bytes([]byte("payload"))
	w.String("")
	w.Fixed([]byte{1, 2, 3})

	r := NewReader(w.Result())
	assert.Equal(t, uint64(300), r.Uint())
	assert.Equal(t, byte(7), r.Byte())
	assert.Equal(t, []byte("payload"), r.Bytes())
	assert.Equal(t, "", r.String())
	assert.Equal(t, []byte{1, 2, 3}, r.Fixed(3))
	require.NoError(t, r.Finish())
}

func TestReaderVarintEncoding(t *testing.T) {
	w := NewWriter(0)
	w.Uint(1)
	w.Uint(128)
	assert.Equal(t, []byte{0x01, 0x80, 0x01}, w.Result())
}

func TestReaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		read    func(r *Reader)
		wantErr error
	}{
		{
			name:    "empty varint",
			data:    nil,
			read:    func(r *Reader) { r.Uint() },
			wantErr: ErrTruncatedData,
		},
		{
			name:    "length past end",
			data:    []byte{5, 'a', 'b'},
			read:    func(r *Reader) { r.Bytes() },
			wantErr: ErrTruncatedData,
		},
		{
			name:    "fixed past end",
			data:    []byte{1},
			read:    func(r *Reader) { r.Fixed(2) },
			wantErr: ErrTruncatedData,
		},
		{
			name:    "count too large",
			data:    []byte{10, 0, 0},
			read:    func(r *Reader) { r.Count(32) },
			wantErr: ErrTruncatedData,
		},
		{
			name:    "trailing bytes",
			data:    []byte{1, 2},
			read:    func(r *Reader) { r.Uint() },
			wantErr: ErrTrailingData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.data)
			tt.read(r)
			assert.ErrorIs(t, r.Finish(), tt.wantErr)
		})
	}
}

func TestReaderErrorSticks(t *testing.T) {
	r := NewReader([]byte{})
	r.Byte()
	assert.Equal(t, uint64(0), r.Uint())
	assert.Nil(t, r.Bytes())
	assert.ErrorIs(t, r.Err(), ErrTruncatedData)
}
