package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"

	"github.com/gradscan/gradscan/pkg/logging"
)

// V4L2 fourcc codes for the pixel formats we can decode.
const (
	fmtYUYV  = webcam.PixelFormat(0x56595559) // 'YUYV'
	fmtMJPEG = webcam.PixelFormat(0x47504A4D) // 'MJPG'
)

// V4L2Camera reads frames from a Video4Linux device.
type V4L2Camera struct {
	device string
	width  uint32
	height uint32

	cam    *webcam.Webcam
	format webcam.PixelFormat
}

// NewV4L2Camera creates an unopened camera for the given device path.
func NewV4L2Camera(device string, width, height int) *V4L2Camera {
	return &V4L2Camera{
		device: device,
		width:  uint32(width),
		height: uint32(height),
	}
}

// Open opens the device, negotiates a decodable pixel format, and starts
// streaming.
func (c *V4L2Camera) Open() error {
	cam, err := webcam.Open(c.device)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	format, err := pickFormat(cam.GetSupportedFormats())
	if err != nil {
		cam.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	_, w, h, err := cam.SetImageFormat(format, c.width, c.height)
	if err != nil {
		cam.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, errors.Wrap(err, "set image format"))
	}
	c.width, c.height = w, h

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, errors.Wrap(err, "start streaming"))
	}

	c.cam = cam
	c.format = format
	logging.Infof("Camera %s open at %dx%d", c.device, c.width, c.height)
	return nil
}

func pickFormat(supported map[webcam.PixelFormat]string) (webcam.PixelFormat, error) {
	if _, ok := supported[fmtYUYV]; ok {
		return fmtYUYV, nil
	}
	if _, ok := supported[fmtMJPEG]; ok {
		return fmtMJPEG, nil
	}
	return 0, errors.New("no supported pixel format (need YUYV or MJPEG)")
}

// ReadFrame waits briefly for a frame and decodes it. Timeouts and decode
// failures are transient: the caller retries.
func (c *V4L2Camera) ReadFrame() (*Frame, error) {
	if c.cam == nil {
		return nil, ErrDeviceUnavailable
	}

	err := c.cam.WaitForFrame(1)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, ErrNoFrame
	default:
		return nil, errors.Wrap(err, "frame wait failed")
	}

	data, err := c.cam.ReadFrame()
	if err != nil {
		return nil, errors.Wrap(err, "frame read failed")
	}
	if len(data) == 0 {
		return nil, ErrNoFrame
	}

	img, err := c.decode(data)
	if err != nil {
		return nil, errors.Wrap(err, "frame decode failed")
	}

	return &Frame{Image: img, CapturedAt: time.Now()}, nil
}

func (c *V4L2Camera) decode(data []byte) (image.Image, error) {
	switch c.format {
	case fmtMJPEG:
		return jpeg.Decode(bytes.NewReader(data))
	default:
		return decodeYUYV(data, int(c.width), int(c.height))
	}
}

// Close stops streaming and releases the device. Safe to call on an
// unopened camera.
func (c *V4L2Camera) Close() error {
	if c.cam == nil {
		return nil
	}
	c.cam.StopStreaming()
	err := c.cam.Close()
	c.cam = nil
	if err != nil {
		return errors.Wrap(err, "close device")
	}
	return nil
}
