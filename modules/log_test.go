package modules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevels(t *testing.T) {
	env := newTestEnv(t, nil, Log{})

	env.run(t, `
		log.debug("dbg")
		log.info("count=%d name=%s", 3, "x")
		log.warn({})
		log.error(42)
	`)

	out := env.logs.String()
	assert.Contains(t, out, `level=DEBUG msg=dbg component=script`)
	assert.Contains(t, out, `level=INFO msg="count=3 name=x" component=script`)
	assert.Contains(t, out, `level=WARN msg="table: `)
	assert.Contains(t, out, `level=ERROR msg=42`)
}

func TestLogBadFormatRaises(t *testing.T) {
	env := newTestEnv(t, nil, Log{})
	err := env.L.DoString(`log.info("%d", "not a number")`)
	assert.Error(t, err)
}
