package camera

// GstConfig describes a GStreamer capture pipeline:
//
//	<source> ! videoconvert ! videoscale ! capsfilter(GRAY8, WxH) ! appsink
type GstConfig struct {
	// Source is the source element factory (videotestsrc, v4l2src, ...)
	Source string
	// DevicePath is set as the source "device" property when non-empty
	DevicePath string
	Width      int
	Height     int
}
