//go:build !gst

package camera

import "errors"

// NewGst is unavailable without the gst build tag
func NewGst(cfg GstConfig) (Device, error) {
	return nil, errors.New("camera: gstreamer device requires building with -tags gst")
}
