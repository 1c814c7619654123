package video

import "fmt"

const (
	MinVideoBitrate         = 100_000
	AbsoluteMinVideoBitrate = 5_000
	MaxVideoBitrate         = 288_000_000
	// FallbackBitrate is substituted when ffprobe can't report a bitrate,
	// e.g. for certain HLS manifests.
	FallbackBitrate = 4_000_000

	TrackTypeVideo = "video"
	TrackTypeAudio = "audio"
)

// InputVideo is the result of probing a source file: its container format
// plus one track per elementary stream found.
type InputVideo struct {
	Format    string       `json:"format,omitempty"`
	Tracks    []InputTrack `json:"tracks,omitempty"`
	Duration  float64      `json:"duration,omitempty"`
	SizeBytes int64        `json:"size,omitempty"`
}

// GetTrack finds the first track of the given type. If multiple video (or
// audio) tracks are present, the first one wins.
func (i InputVideo) GetTrack(trackType string) (InputTrack, error) {
	if trackType != TrackTypeVideo && trackType != TrackTypeAudio {
		return InputTrack{}, fmt.Errorf("invalid track type - must be '%s' or '%s'", TrackTypeVideo, TrackTypeAudio)
	}
	for _, t := range i.Tracks {
		if t.Type == trackType {
			return t, nil
		}
	}
	return InputTrack{}, fmt.Errorf("no '%s' tracks found", trackType)
}

type VideoTrack struct {
	Width              int64   `json:"width,omitempty"`
	Height             int64   `json:"height,omitempty"`
	PixelFormat        string  `json:"pixel_format,omitempty"`
	FPS                float64 `json:"fps,omitempty"`
	Rotation           int64   `json:"rotation,omitempty"`
	DisplayAspectRatio string  `json:"display_aspect_ratio,omitempty"`
}

// Rotated90 reports whether the track's rotation side-data swaps width and
// height once baked in, e.g. a portrait clip shot on a phone and carrying
// -90/90 rotation metadata.
func (v VideoTrack) Rotated90() bool {
	r := v.Rotation % 360
	return r == 90 || r == -90 || r == 270 || r == -270
}

type AudioTrack struct {
	Channels   int `json:"channels,omitempty"`
	SampleRate int `json:"sample_rate,omitempty"`
	SampleBits int `json:"sample_bits,omitempty"`
	BitDepth   int `json:"bit_depth,omitempty"`
}

type InputTrack struct {
	Type         string  `json:"type"`
	Codec        string  `json:"codec"`
	Bitrate      int64   `json:"bitrate"`
	DurationSec  float64 `json:"duration"`
	SizeBytes    int64   `json:"size"`
	StartTimeSec float64 `json:"start_time"`

	// Fields only used if this is a Video Track
	VideoTrack

	// Fields only used if this is an Audio Track
	AudioTrack
}

// OutputVideo describes an assembled result file once it has been probed
// back to confirm the processor actually produced a playable video.
type OutputVideo struct {
	Location  string `json:"location"`
	SizeBytes int64  `json:"size,omitempty"`
	Width     int64  `json:"width,omitempty"`
	Height    int64  `json:"height,omitempty"`
	Bitrate   int64  `json:"bitrate,omitempty"`
	FPS       float64 `json:"fps,omitempty"`
}

// PopulateOutput probes an assembled output file and folds its size,
// dimensions, bitrate and fps into the given OutputVideo record.
func PopulateOutput(requestID string, probe Prober, outputPath string, out OutputVideo) (OutputVideo, error) {
	probed, err := probe.ProbeFile(requestID, outputPath, "-analyzeduration", "15000000")
	if err != nil {
		return OutputVideo{}, fmt.Errorf("error probing assembled output: %w", err)
	}
	videoTrack, err := probed.GetTrack(TrackTypeVideo)
	if err != nil {
		return OutputVideo{}, fmt.Errorf("no video track found in assembled output: %w", err)
	}
	out.SizeBytes = probed.SizeBytes
	out.Height = videoTrack.Height
	out.Width = videoTrack.Width
	out.Bitrate = videoTrack.Bitrate
	out.FPS = videoTrack.FPS
	return out, nil
}
