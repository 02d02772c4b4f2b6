package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSupportedContentType(t *testing.T) {
	tests := []struct {
		ct    string
		want  bool
		image bool
	}{
		{ct: "application/pdf", want: true},
		{ct: "Application/PDF; charset=binary", want: true},
		{ct: "image/jpeg", want: true, image: true},
		{ct: "image/png", want: true, image: true},
		{ct: "image/gif", want: true, image: true},
		{ct: "image/webp", want: true, image: true},
		{ct: "image/bmp", want: true, image: true},
		{ct: "image/tiff", want: true, image: true},
		{ct: "image/svg+xml"},
		{ct: "image/heic"},
		{ct: "image/avif"},
		{ct: "text/plain"},
		{ct: ""},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSupportedContentType(tt.ct))
			assert.Equal(t, tt.image, IsImage(tt.ct))
		})
	}
}

func TestIsAllowedExt(t *testing.T) {
	for _, ext := range []string{".pdf", "JPG", ".jpeg", "png", ".TIF", "webp"} {
		assert.True(t, IsAllowedExt(ext), ext)
	}
	for _, ext := range []string{".svg", ".heic", ".txt", ""} {
		assert.False(t, IsAllowedExt(ext), ext)
	}
}
