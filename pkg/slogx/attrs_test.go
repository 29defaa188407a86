package slogx

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	log.Info("saved",
		Spell("p1", "greeter"),
		Error(errors.New("boom")),
		LoggerName("spells"),
		ByteString("raw", []byte("abc")),
	)

	line := buf.Bytes()
	assert.Equal(t, "greeter", gjson.GetBytes(line, "spell.name").String())
	assert.Equal(t, "p1", gjson.GetBytes(line, "spell.project_id").String())
	assert.Equal(t, "boom", gjson.GetBytes(line, "error").String())
	assert.Equal(t, "spells", gjson.GetBytes(line, "logger").String())
	assert.Equal(t, "abc", gjson.GetBytes(line, "raw").String())
}

func TestError_Nil(t *testing.T) {
	assert.Equal(t, "<nil>", Error(nil).Value.String())
}
