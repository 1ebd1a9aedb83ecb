package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "131072", want: 131072},
		{in: "128KiB", want: 128 << 10},
		{in: "128kib", want: 128 << 10},
		{in: "1MiB", want: 1 << 20},
		{in: " 25M ", want: 25 << 20},
		{in: "2G", want: 2 << 30},
		{in: "0", want: 0},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "KiB", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "-1K", wantErr: true},
		{in: "1.5M", wantErr: true},
		{in: "12TB", wantErr: true},
		{in: "9999999999999G", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringToSizeHook(t *testing.T) {
	hook := StringToSize().(func(f, t reflect.Type, data any) (any, error))
	str := reflect.TypeOf("")

	got, err := hook(str, reflect.TypeOf(int64(0)), "4KiB")
	assert.NoError(t, err)
	assert.Equal(t, int64(4096), got)

	// durations share int64's kind but must be left for the duration hook
	got, err = hook(str, reflect.TypeOf(time.Duration(0)), "5m")
	assert.NoError(t, err)
	assert.Equal(t, "5m", got)

	got, err = hook(reflect.TypeOf(0), reflect.TypeOf(int64(0)), 12)
	assert.NoError(t, err)
	assert.Equal(t, 12, got)

	_, err = hook(str, reflect.TypeOf(int64(0)), "big")
	assert.Error(t, err)
}
