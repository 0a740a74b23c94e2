package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOption_GetString(t *testing.T) {
	o := Option{"listen.language": "en-US"}
	v, err := o.GetString("listen.language")
	assert.NoError(t, err)
	assert.Equal(t, "en-US", v)

	_, err = o.GetString("missing")
	assert.Error(t, err)
}

func TestOption_GetStringOr(t *testing.T) {
	o := Option{"speak.voice.id": "aura-asteria-en"}
	assert.Equal(t, "aura-asteria-en", o.GetStringOr("speak.voice.id", "default"))
	assert.Equal(t, "default", o.GetStringOr("missing", "default"))
}

func TestOption_GetBoolOr(t *testing.T) {
	o := Option{"listen.vad_events": true}
	assert.True(t, o.GetBoolOr("listen.vad_events", false))
	assert.False(t, o.GetBoolOr("missing", false))
}

func TestOption_GetIntCoercion(t *testing.T) {
	cases := map[string]interface{}{
		"native_int": 10,
		"float":      float64(10),
		"string":     "10",
	}
	for name, v := range cases {
		o := Option{"k": v}
		got, err := o.GetInt("k")
		assert.NoErrorf(t, err, "case %s", name)
		assert.Equal(t, 10, got)
	}
}

func TestOption_GetStringSlice(t *testing.T) {
	cases := []struct {
		name string
		val  interface{}
		want []string
	}{
		{"native", []string{"a", "b"}, []string{"a", "b"}},
		{"interface-slice", []interface{}{"a", "b"}, []string{"a", "b"}},
		{"bracketed", "[hello world]", []string{"hello", "world"}},
		{"comma", "hello,world", []string{"hello", "world"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := Option{"k": tc.val}
			got, err := o.GetStringSlice("k")
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPtr(t *testing.T) {
	v := 42
	p := Ptr(v)
	assert.Equal(t, v, *p)
}
