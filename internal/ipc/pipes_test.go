package ipc

import (
	"bufio"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Cohort/pkg/consts"
	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/protocol"
)

func TestStatusWriter_Send(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	sw := NewStatusWriter(w)
	var tags []protocol.Tag
	sw.OnSend(func(tag protocol.Tag) { tags = append(tags, tag) })

	require.NoError(t, sw.Send(protocol.Booted(10, 1)))
	require.NoError(t, sw.Send(protocol.Terminated(10)))
	require.NoError(t, sw.Close())

	dec := protocol.NewDecoder(r)
	m, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.Booted(10, 1), m)
	m, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.Terminated(10), m)

	assert.Equal(t, []protocol.Tag{protocol.TagBooted, protocol.TagTerminated}, tags)
}

func TestStatusWriter_BrokenPipeIsReported(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	r.Close()

	sw := NewStatusWriter(w)
	err = sw.Send(protocol.Booted(1, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodePipeBroken))
	assert.NoError(t, sw.Close())
}

func TestStatusWriter_AfterClose(t *testing.T) {
	_, w, err := os.Pipe()
	require.NoError(t, err)

	sw := NewStatusWriter(w)
	require.NoError(t, sw.Close())
	require.NoError(t, sw.Close(), "second close is a no-op")

	err = sw.Send(protocol.Terminated(1))
	assert.True(t, errors.Is(err, errors.ErrCodePipeBroken))
}

func TestStatusWriter_ConcurrentLinesStayWhole(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	sw := NewStatusWriter(w)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sw.Send(protocol.Stats(i, []byte(`{"running":1,"backlog":0}`)))
			}
		}(i)
	}
	go func() {
		wg.Wait()
		sw.Close()
	}()

	sc := bufio.NewScanner(r)
	lines := 0
	for sc.Scan() {
		_, err := protocol.ParseStatus(sc.Text())
		require.NoError(t, err, sc.Text())
		lines++
	}
	assert.Equal(t, 400, lines)
}

func TestWakeup(t *testing.T) {
	assert.NoError(t, Wakeup(nil))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, Wakeup(w))
	buf := make([]byte, 1)
	_, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, byte('!'), buf[0])
}

func TestLayout_EnvRoundTrip(t *testing.T) {
	check, _, _ := os.Pipe()
	_, status, _ := os.Pipe()
	l1, _ := os.Open(os.DevNull)
	l2, _ := os.Open(os.DevNull)

	var l Layout
	l.AddPipes(Pipes{Check: check, Status: status}).Add(FDListener, l1).Add(FDListener, l2).Add(FDHandoff, nil)

	assert.Len(t, l.ExtraFiles(), 4)
	assert.Equal(t, consts.EnvWorkerFDs+"=check=3,status=4,listener=5,listener=6", l.Env())

	fds, err := ParseLayout("check=3,status=4,listener=5,listener=6")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, fds[FDCheck])
	assert.Equal(t, []int{5, 6}, fds[FDListener])
	assert.Empty(t, fds[FDFork])
}

func TestParseLayout_Invalid(t *testing.T) {
	for _, v := range []string{"check", "=3", "check=x", "check=1"} {
		_, err := ParseLayout(v)
		assert.Error(t, err, v)
	}
	fds, err := ParseLayout("")
	require.NoError(t, err)
	assert.Empty(t, fds)
}
