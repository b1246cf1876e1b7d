package buffer

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferMultipleReads(t *testing.T) {
	buf := NewWithData([]byte("hello world"))
	defer buf.Close()

	first, err := io.ReadAll(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(first))

	// The cursor is exhausted but the payload is still there.
	assert.Equal(t, "hello world", string(buf.Bytes()))

	r, err := buf.Reader()
	require.NoError(t, err)
	second, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	buf.Rewind()
	third, err := io.ReadAll(buf)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestBufferReadLine(t *testing.T) {
	buf := NewWithData([]byte("line one\r\nline two\nlast"))

	line, err := buf.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "line one\r\n", string(line))

	line, err = buf.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "line two\n", string(line))

	line, err = buf.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "last", string(line))

	_, err = buf.ReadLine()
	assert.Equal(t, io.EOF, err)
}

func TestBufferReadLines(t *testing.T) {
	buf := NewWithData([]byte("a\nbb\nccc\n"))

	lines, err := buf.ReadLines(0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "ccc\n", string(lines[2]))

	buf.Rewind()
	lines, err = buf.ReadLines(3)
	require.NoError(t, err)
	assert.Len(t, lines, 2, "size hint stops after the line that reaches it")
}

func TestBufferLineDoesNotAliasTail(t *testing.T) {
	buf := NewWithData([]byte("ab\ncd"))
	line, err := buf.ReadLine()
	require.NoError(t, err)

	line = append(line, 'X')
	assert.Equal(t, "ab\ncd", string(buf.Bytes()))
	assert.Equal(t, "ab\nX", string(line))
}

func TestBufferClose(t *testing.T) {
	buf := NewWithData([]byte("data"))
	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close(), "close must be idempotent")

	assert.True(t, buf.IsClosed())
	assert.Nil(t, buf.Bytes())

	_, err := buf.Read(make([]byte, 4))
	assert.Error(t, err)

	_, err = buf.Reader()
	assert.Error(t, err)
}

func TestBufferConcurrentReaders(t *testing.T) {
	buf := NewWithData([]byte("shared payload"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := buf.Reader()
			if err != nil {
				t.Errorf("reader: %v", err)
				return
			}
			data, _ := io.ReadAll(r)
			if string(data) != "shared payload" {
				t.Errorf("unexpected payload %q", data)
			}
		}()
	}
	wg.Wait()
}
