package spinner

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartAndStop(t *testing.T) {
	var buf bytes.Buffer
	stop := Start(&buf, "[1/3] miniwob.click-test")

	time.Sleep(3 * frameInterval)
	stop()

	out := buf.String()
	assert.Contains(t, out, "[1/3] miniwob.click-test")
	assert.True(t, strings.HasSuffix(out, "\r"), "stop should clear the line")
}

func TestStopIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	stop := Start(&buf, "working")

	stop()
	stop()
}

func TestClearCoversWideRunes(t *testing.T) {
	var buf bytes.Buffer
	stop := Start(&buf, "任务")

	time.Sleep(2 * frameInterval)
	stop()

	// The clear sequence must blank the display width (4 cells for 任务
	// plus the frame glyph and space), not the byte length.
	assert.Contains(t, buf.String(), "\r"+strings.Repeat(" ", 6)+"\r")
}
