package types

import (
	"encoding/binary"
	"fmt"
	"image"
	"time"
)

// PixelType identifies the sample layout of a frame buffer
type PixelType int

const (
	// PixelMono8 is one unsigned byte per sample
	PixelMono8 PixelType = iota
	// PixelMono16 is one big-endian uint16 per sample
	PixelMono16
)

// String returns the camera-style name of the pixel type
func (p PixelType) String() string {
	switch p {
	case PixelMono8:
		return "Mono8"
	case PixelMono16:
		return "Mono16"
	default:
		return fmt.Sprintf("PixelType(%d)", int(p))
	}
}

// BytesPerSample returns the size of one channel sample
func (p PixelType) BytesPerSample() int {
	if p == PixelMono16 {
		return 2
	}
	return 1
}

// ParsePixelType maps a camera pixel format name to a PixelType
func ParsePixelType(s string) (PixelType, error) {
	switch s {
	case "Mono8", "GRAY8":
		return PixelMono8, nil
	case "Mono16", "GRAY16_BE":
		return PixelMono16, nil
	default:
		return 0, fmt.Errorf("unsupported pixel format %q", s)
	}
}

// Frame represents a single captured image.
//
// A Frame is immutable once it leaves the camera: Data MUST NOT be modified
// after the frame is handed to the router. Stages that need a different
// buffer (crops, masks) allocate their own.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the camera loop
	Seq uint64
	// Timestamp is when the grab completed
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Channels per pixel (1 for monochrome sensors)
	Channels int
	// Pixel is the sample layout of Data
	Pixel PixelType
	// Data holds Height rows of Stride() bytes
	Data []byte
	// TraceID follows the frame through filter, measurement and outputs
	TraceID string
}

// Stride returns the number of bytes in one row
func (f Frame) Stride() int {
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return f.Width * ch * f.Pixel.BytesPerSample()
}

// Validate checks that the buffer matches the declared geometry
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.Stride() * f.Height; len(f.Data) != want {
		return fmt.Errorf("frame data length %d does not match %dx%d %s (want %d)",
			len(f.Data), f.Width, f.Height, f.Pixel, want)
	}
	return nil
}

// At returns the first-channel sample at (x, y) widened to uint16
func (f Frame) At(x, y int) uint16 {
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	off := y*f.Stride() + x*ch*f.Pixel.BytesPerSample()
	if f.Pixel == PixelMono16 {
		return binary.BigEndian.Uint16(f.Data[off:])
	}
	return uint16(f.Data[off])
}

// Resolution formats the frame size as WxH
func (f Frame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// Image exposes the first channel as a standard library image.
// Mono8 frames share Data; Mono16 frames are wrapped without copying.
func (f Frame) Image() image.Image {
	rect := image.Rect(0, 0, f.Width, f.Height)
	if f.Channels <= 1 {
		if f.Pixel == PixelMono16 {
			return &image.Gray16{Pix: f.Data, Stride: f.Stride(), Rect: rect}
		}
		return &image.Gray{Pix: f.Data, Stride: f.Stride(), Rect: rect}
	}

	// Multi-channel: keep only the first channel
	img := image.NewGray(rect)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := f.At(x, y)
			if f.Pixel == PixelMono16 {
				v >>= 8
			}
			img.Pix[y*img.Stride+x] = uint8(v)
		}
	}
	return img
}

// Crop copies the rectangle r (clamped to the frame) into a new Frame.
// Seq, Timestamp and TraceID are inherited from the source frame.
func (f Frame) Crop(r Rect) Frame {
	r = r.Intersect(Rect{Width: f.Width, Height: f.Height})

	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	bpp := ch * f.Pixel.BytesPerSample()
	out := Frame{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     r.Width,
		Height:    r.Height,
		Channels:  ch,
		Pixel:     f.Pixel,
		Data:      make([]byte, r.Width*r.Height*bpp),
		TraceID:   f.TraceID,
	}

	srcStride := f.Stride()
	dstStride := out.Stride()
	for y := 0; y < r.Height; y++ {
		src := (r.Y+y)*srcStride + r.X*bpp
		copy(out.Data[y*dstStride:(y+1)*dstStride], f.Data[src:src+dstStride])
	}
	return out
}

// StreamStats contains frame source statistics
type StreamStats struct {
	FrameCount      uint64  `json:"frame_count"`
	TriggerTimeouts uint64  `json:"trigger_timeouts"`
	RetrieveErrors  uint64  `json:"retrieve_errors"`
	FPSTarget       float64 `json:"fps_target"`
	FPSReal         float64 `json:"fps_real"`
	FPSStdDev       float64 `json:"fps_stddev"`
	Resolution      string  `json:"resolution"`
	Device          string  `json:"device"`
	IsRunning       bool    `json:"is_running"`
}
