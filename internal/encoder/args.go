package encoder

import (
	"fmt"
	"strings"

	"printcast/pkg/models"
)

// BuildArgs constructs the ffmpeg command line for an encoder instance.
// Argument order is load-bearing for ffmpeg: input source, optional audio
// input, filters, codecs, then the single output (RTMP push or an MJPEG
// stream on stdout for the mix endpoint).
func BuildArgs(spec models.EncoderSpec) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-re",
		"-i", spec.Source,
	}

	if spec.AudioSource != "" {
		args = append(args, "-i", spec.AudioSource)
	}

	if vf := buildVideoFilter(spec); vf != "" {
		args = append(args, "-vf", vf)
	}

	fps := spec.TargetFps
	if fps <= 0 {
		fps = 30
	}
	bitrate := spec.BitrateKbps
	if bitrate <= 0 {
		bitrate = 4500
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", fmt.Sprintf("%dk", bitrate),
		"-maxrate", fmt.Sprintf("%dk", bitrate),
		"-bufsize", fmt.Sprintf("%dk", bitrate*2),
		"-r", fmt.Sprintf("%d", fps),
		"-g", fmt.Sprintf("%d", fps*2),
		"-pix_fmt", "yuv420p",
	)

	if spec.AudioSource != "" {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	} else {
		args = append(args, "-an")
	}

	if spec.Destination != "" {
		args = append(args, "-f", "flv", spec.Destination)
	} else {
		args = append(args, "-f", "mjpeg", "pipe:1")
	}

	return args
}

func buildVideoFilter(spec models.EncoderSpec) string {
	var parts []string

	if fps := spec.TargetFps; fps > 0 {
		parts = append(parts, fmt.Sprintf("fps=%d", fps))
	}

	if o := spec.Overlay; o != nil {
		if o.BannerFraction > 0 && o.BoxColor != "" {
			parts = append(parts, fmt.Sprintf(
				"drawbox=x=0:y=ih*%.3f:w=iw:h=ih*%.3f:color=%s:t=fill",
				1-o.BannerFraction, o.BannerFraction, o.BoxColor))
		}

		text := escapeDrawtext(o.Text)
		dt := fmt.Sprintf("drawtext=text='%s':fontsize=%d:fontcolor=%s:x=%s:y=%s",
			text, o.FontSize, o.FontColor, o.X, o.Y)
		if o.FontFile != "" {
			dt += ":fontfile=" + o.FontFile
		}
		if o.Box {
			dt += fmt.Sprintf(":box=1:boxcolor=%s:boxborderw=%d", o.BoxColor, o.BoxBorderWidth)
		}
		parts = append(parts, dt)
	}

	return strings.Join(parts, ",")
}

// escapeDrawtext escapes the characters drawtext treats specially.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`:`, `\:`,
		`%`, `\%`,
	)
	return r.Replace(s)
}
