//go:build linux && cgo

package media

import (
	"errors"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// captureOpener is the Linux backend: V4L2 cameras, malgo microphones and
// X11 screen grabs via pion/mediadevices, encoded as VP8 + Opus.
type captureOpener struct {
	selector  *mediadevices.CodecSelector
	maxWidth  int
	maxHeight int
}

// NewDeviceOpener builds the platform capture backend.
func NewDeviceOpener(opt CaptureOptions) (DeviceOpener, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	sel := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	if opt.MaxWidth <= 0 {
		opt.MaxWidth = 640
	}
	if opt.MaxHeight <= 0 {
		opt.MaxHeight = 480
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Printf("MEDIA: device — kind=%v label=%q", d.Kind, d.Label)
	}
	return &captureOpener{selector: sel, maxWidth: opt.MaxWidth, maxHeight: opt.MaxHeight}, nil
}

func (o *captureOpener) Populate(me *webrtc.MediaEngine) error {
	o.selector.Populate(me)
	return nil
}

func (o *captureOpener) OpenMic() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: o.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream.GetAudioTracks())
}

func (o *captureOpener) OpenCamera() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: o.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap the resolution to keep VP8 encoding latency workable in
			// a mesh, where every frame is encoded once per codec context.
			c.Width = prop.IntRanged{Max: o.maxWidth}
			c.Height = prop.IntRanged{Max: o.maxHeight}
		},
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream.GetVideoTracks())
}

func (o *captureOpener) OpenScreen() (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: o.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream.GetVideoTracks())
}

func firstTrack(tracks []mediadevices.Track) (Track, error) {
	if len(tracks) == 0 {
		return nil, errors.New("media: capture produced no track")
	}
	// Extra tracks are not expected from single-kind constraints; close
	// them rather than leak the device handles.
	for _, t := range tracks[1:] {
		_ = t.Close()
	}
	return tracks[0], nil
}
