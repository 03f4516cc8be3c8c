package wire

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAppendsTerminator(t *testing.T) {
	got := Encode("exptime 0.1")
	require.Equal(t, "exptime 0.1", string(got[:len(got)-1]))
	assert.Equal(t, Terminator, got[len(got)-1])
}

func scanAll(t *testing.T, r *bufio.Scanner) []string {
	t.Helper()
	var out []string
	for r.Scan() {
		out = append(out, r.Text())
	}
	require.NoError(t, r.Err())
	return out
}

func TestSplitterHandlesConcatenatedRecords(t *testing.T) {
	buf := bytes.Join([][]byte{
		[]byte("15 OK Settings: midG gain; threshold: 6000 eV; vcmp: 0.5 V"),
		[]byte("7 OK /tmp/x/img_00000.edf"),
	}, []byte{Terminator})
	buf = append(buf, Terminator)

	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Split(NewSplitter())
	got := scanAll(t, scanner)
	require.Len(t, got, 2)
	assert.True(t, strings.HasPrefix(got[0], "15 OK"))
	assert.True(t, strings.HasPrefix(got[1], "7 OK"))
}

func TestSplitterPreservesBoundaryAcrossFeeds(t *testing.T) {
	pr, pw := io.Pipe()
	scanner := bufio.NewScanner(pr)
	scanner.Split(NewSplitter())

	go func() {
		_, _ = pw.Write([]byte("1 ERR Unrecogni"))
		_, _ = pw.Write([]byte("zed command: setenergy"))
		_, _ = pw.Write([]byte{Terminator})
		_ = pw.Close()
	}()

	require.True(t, scanner.Scan())
	assert.Equal(t, "1 ERR Unrecognized command: setenergy", scanner.Text())
}

func TestSplitterRejectsOversizedRecord(t *testing.T) {
	huge := bytes.Repeat([]byte{'x'}, MaxRecord+1)
	scanner := bufio.NewScanner(bytes.NewReader(huge))
	scanner.Buffer(make([]byte, 0, MaxRecord+16), MaxRecord+16)
	scanner.Split(NewSplitter())
	require.False(t, scanner.Scan())
	assert.ErrorIs(t, scanner.Err(), ErrRecordTooLarge)
}
