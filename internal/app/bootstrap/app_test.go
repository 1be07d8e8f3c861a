package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://user:secret@db:5432/iot?sslmode=disable": "postgres://user:****@db:5432/iot?sslmode=disable",
		"postgres://user@db:5432/iot":                        "postgres://user@db:5432/iot",
		"host=db user=postgres":                              "host=db user=postgres",
		"postgres://u:p@ss@db/iot":                           "postgres://u:****@db/iot",
	}
	for in, want := range cases {
		assert.Equal(t, want, maskDSN(in), in)
	}
}
