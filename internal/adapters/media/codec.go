package media

import (
	"fmt"

	"github.com/dkeye/Calls/internal/config"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
)

// NewCodecSelector encodes video as VP8 and audio as Opus. The same selector
// populates the media engine of every peer connection.
func NewCodecSelector(cfg config.Media) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if cfg.VideoBitrate > 0 {
		vpxParams.BitRate = cfg.VideoBitrate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}
