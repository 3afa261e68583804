package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

var ErrFFprobeDurationInvalid = fmt.Errorf("got no packets from ffprobe, likely a bad file")

type Packet struct {
	CodecType          string  `json:"codec_type"`
	StreamIndex        int     `json:"stream_index"`
	Pts                int     `json:"pts"`
	PtsTime            string  `json:"pts_time"`
	Dts                int     `json:"dts"`
	DtsTime            string  `json:"dts_time"`
	Duration           int     `json:"duration"`
	DurationTime       string  `json:"duration_time"`
	Size               string  `json:"size"`
	Pos                string  `json:"pos"`
	Flags              string  `json:"flags"`
	ParsedPtsTime      float64 `json:"-"`
	ParsedDtsTime      float64 `json:"-"`
	ParsedDurationTime float64 `json:"-"`
}

type FFprobePacketsOutput struct {
	Packets []Packet `json:"packets"`
}

// parseTime treats a missing timestamp as zero; ffprobe omits them for some
// packets of raw streams.
func parseTime(s string) (float64, error) {
	if s == "" || s == "N/A" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// ParsePackets decodes `ffprobe -show_packets -print_format json` output.
func ParsePackets(output []byte) ([]Packet, error) {
	var response FFprobePacketsOutput
	err := json.Unmarshal(output, &response)
	if err != nil {
		return nil, fmt.Errorf("parsing ffprobe json response: %w", err)
	}

	for i := range response.Packets {
		packet := &response.Packets[i]

		packet.ParsedDtsTime, err = parseTime(packet.DtsTime)
		if err != nil {
			return nil, fmt.Errorf("parsing DtsTime: %w", err)
		}
		packet.ParsedPtsTime, err = parseTime(packet.PtsTime)
		if err != nil {
			return nil, fmt.Errorf("parsing PtsTime: %w", err)
		}
		packet.ParsedDurationTime, err = parseTime(packet.DurationTime)
		if err != nil {
			return nil, fmt.Errorf("parsing DurationTime: %w", err)
		}
	}

	return response.Packets, nil
}

func (f *FFmpeg) ffprobeGetPacketsFromFile(ctx context.Context, filePath string) ([]Packet, error) {
	cmd := exec.CommandContext(ctx,
		f.ffprobeBinary,
		"-i", filePath,
		"-v", "error",
		"-select_streams", "a",
		"-print_format", "json",
		"-show_packets",
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running ffprobe: %w", err)
	}

	return ParsePackets(output)
}

// DurationFromPackets returns `max pts time + duration time` of the packet
// with the latest pts, or ErrFFprobeDurationInvalid if there are no packets.
func DurationFromPackets(packets []Packet) (float64, error) {
	if len(packets) == 0 {
		return 0, ErrFFprobeDurationInvalid
	}

	maxPacket := packets[0]
	for _, packet := range packets[1:] {
		if packet.ParsedPtsTime > maxPacket.ParsedPtsTime {
			maxPacket = packet
		}
	}

	return maxPacket.ParsedPtsTime + maxPacket.ParsedDurationTime, nil
}

// FFprobeDurationFromFile gets the duration of the input file using ffprobe
//
// This uses packet metadata because some containers don't really include duration
// metadata (like the MediaRecorder API's output), and it's more accurate to
// what is processed by the model.
func (f *FFmpeg) FFprobeDurationFromFile(ctx context.Context, filePath string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.commandTimeout)
	defer cancel()

	packets, err := f.ffprobeGetPacketsFromFile(ctx, filePath)
	if err != nil {
		return 0, fmt.Errorf("getting packets: %w", err)
	}

	return DurationFromPackets(packets)
}
