// Package camera captures frames from webcams and network cameras.
//
// A Descriptor names the camera. NewSource turns it into a Source, and a
// Reader drives the Source through an explicit connect/read/reconnect state
// machine, discarding frames above the target rate.
package camera

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Kind is the camera transport.
type Kind string

const (
	KindWebcam Kind = "webcam"
	KindRTSP   Kind = "rtsp"
	KindHTTP   Kind = "http"
)

const (
	DefaultFPS        = 30
	MinFPS            = 1
	MaxFPS            = 60
	DefaultResolution = "1280x720"
	DefaultDevice     = "/dev/video0"
)

// Descriptor identifies a camera and the capture parameters for it.
type Descriptor struct {
	Kind       Kind   `json:"type" yaml:"type"`
	URL        string `json:"url,omitempty" yaml:"url,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	FPS        int    `json:"fps" yaml:"fps"`
	Resolution string `json:"resolution" yaml:"resolution"`
}

// Normalize fills defaults and validates the descriptor.
func (d Descriptor) Normalize() (Descriptor, error) {
	if d.Kind == "" {
		d.Kind = KindWebcam
	}
	if d.FPS == 0 {
		d.FPS = DefaultFPS
	}
	if d.Resolution == "" {
		d.Resolution = DefaultResolution
	}

	if d.FPS < MinFPS || d.FPS > MaxFPS {
		return d, fmt.Errorf("%w: fps %d outside %d..%d", ErrInvalidDescriptor, d.FPS, MinFPS, MaxFPS)
	}
	if _, _, err := ParseResolution(d.Resolution); err != nil {
		return d, err
	}

	switch d.Kind {
	case KindWebcam:
		d.URL = devicePath(d.URL)
	case KindRTSP:
		if err := requireScheme(d.URL, "rtsp", "rtsps"); err != nil {
			return d, err
		}
	case KindHTTP:
		if err := requireScheme(d.URL, "http", "https"); err != nil {
			return d, err
		}
	default:
		return d, fmt.Errorf("%w: unknown camera type %q", ErrInvalidDescriptor, d.Kind)
	}
	return d, nil
}

// Size returns the target width and height.
func (d Descriptor) Size() (int, int) {
	w, h, err := ParseResolution(d.Resolution)
	if err != nil {
		return 0, 0
	}
	return w, h
}

// Public returns a copy safe to expose over the API.
func (d Descriptor) Public() Descriptor {
	d.Password = ""
	d.URL = RedactURL(d.URL)
	return d
}

// SourceURL returns the URL to open, with credentials injected as userinfo
// for network cameras. Webcams return the device path.
func (d Descriptor) SourceURL() (string, error) {
	if d.Kind == KindWebcam {
		return devicePath(d.URL), nil
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if d.Username != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.Username, d.Password)
		} else {
			u.User = url.User(d.Username)
		}
	}
	return u.String(), nil
}

// ParseResolution parses "WIDTHxHEIGHT".
func ParseResolution(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: resolution %q, want WIDTHxHEIGHT", ErrInvalidDescriptor, s)
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("%w: resolution %q, want WIDTHxHEIGHT", ErrInvalidDescriptor, s)
	}
	return w, h, nil
}

// RedactURL strips the password from a URL so it can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func devicePath(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultDevice
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return fmt.Sprintf("/dev/video%d", n)
	}
	return s
}

func requireScheme(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%w: url required", ErrInvalidDescriptor)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: url %q must use %s", ErrInvalidDescriptor, RedactURL(raw), strings.Join(schemes, " or "))
}

// deviceExists checks that a local capture device is present and readable.
func deviceExists(device string) error {
	if _, err := os.Stat(device); err != nil {
		if os.IsNotExist(err) {
			return terminalError(CategoryDevice, fmt.Errorf("device %s does not exist", device))
		}
		return terminalError(CategoryDevice, err)
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return terminalError(CategoryDevice, fmt.Errorf("device %s not readable: %w", device, err))
	}
	file.Close()
	return nil
}
