package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/moodsync/internal/emotion"
	"github.com/andresmejia3/moodsync/internal/pipeline"
	"github.com/andresmejia3/moodsync/internal/suggest"
	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/andresmejia3/moodsync/internal/utils"
	"github.com/andresmejia3/moodsync/internal/vision"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type liveOptions struct {
	Device    string
	InputPath string
	Width     int
	Height    int
	FPS       int
	Threshold float64
	Mirror    bool
}

var liveOpts liveOptions

var liveCmd = &cobra.Command{
	Use:         "live",
	Short:       "Detect emotions from a webcam in real time",
	Long:        "Streams frames from a webcam (or a video with --input) and prints emotions and suggestions as they change.\nType q to quit, s to save an annotated screenshot, n for a new suggestion.",
	Annotations: map[string]string{dbAnnotation: dbNone},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !cmd.Flags().Changed("threshold") {
			liveOpts.Threshold = cfg.LiveThreshold
		}
		return runLive(cmd.Context(), liveOpts)
	},
}

func init() {
	liveCmd.Flags().StringVar(&liveOpts.Device, "device", "/dev/video0", "V4L2 capture device")
	liveCmd.Flags().StringVarP(&liveOpts.InputPath, "input", "i", "", "Read a video file instead of the webcam")
	liveCmd.Flags().IntVar(&liveOpts.Width, "width", 640, "Capture width")
	liveCmd.Flags().IntVar(&liveOpts.Height, "height", 480, "Capture height")
	liveCmd.Flags().IntVar(&liveOpts.FPS, "fps", 15, "Capture frame rate")
	liveCmd.Flags().Float64VarP(&liveOpts.Threshold, "threshold", "t", emotion.LiveThreshold, "Minimum confidence to accept a prediction")
	liveCmd.Flags().BoolVarP(&liveOpts.Mirror, "mirror", "m", true, "Mirror frames like a selfie view")
	rootCmd.AddCommand(liveCmd)
}

// liveView holds what the viewer currently sees: the last frame, its faces
// and the debounced suggestion.
type liveView struct {
	engine   *pipeline.Engine
	opts     pipeline.Options
	selector *suggest.Selector
	out      io.Writer

	frame   image.Image
	faces   []types.FaceResult
	emotion types.Emotion
	current suggest.Suggestion
	// status is shown on every frame while the pipeline runs degraded.
	status string
}

const (
	statusNoModel    = "Model not available"
	statusNoDetector = "Face detection not available"
)

func newLiveView(engine *pipeline.Engine, opts pipeline.Options, interval time.Duration, out io.Writer) *liveView {
	sel := suggest.NewSelector(suggest.DefaultLibrary(), nil)
	if interval > 0 {
		sel.Interval = interval
	}
	return &liveView{engine: engine, opts: opts, selector: sel, out: out}
}

// handleFrame analyzes one JPEG and reports changes. Bad frames are skipped.
func (v *liveView) handleFrame(ctx context.Context, data []byte) {
	img, err := vision.DecodeImage(bytes.NewReader(data))
	if err != nil {
		return
	}
	v.frame = img

	faces, err := v.engine.Analyze(ctx, img, v.opts)
	var low *emotion.LowConfidenceError
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrNoFace), errors.As(err, &low):
		v.faces = nil
		return
	case errors.Is(err, pipeline.ErrModelUnavailable):
		// Boxes still help the user line up with the camera
		v.setStatus(statusNoModel)
		boxes, _ := v.engine.Detect(img, v.opts.Mirror)
		v.faces = make([]types.FaceResult, len(boxes))
		for i, b := range boxes {
			v.faces[i] = types.FaceResult{Box: b}
		}
		return
	case errors.Is(err, pipeline.ErrDetectorUnavailable):
		v.setStatus(statusNoDetector)
		v.faces = nil
		return
	default:
		fmt.Fprintf(os.Stderr, "⚠️  Frame skipped: %v\n", err)
		return
	}
	v.setStatus("")
	v.faces = faces

	primary := largestFace(faces)
	if primary.Emotion != v.emotion {
		fmt.Fprintf(v.out, "%s 🎭 %s (%.0f%%)", time.Now().Format("15:04:05"), primary.Emotion, primary.Confidence*100)
		if len(faces) > 1 {
			fmt.Fprintf(v.out, " +%d more face(s)", len(faces)-1)
		}
		fmt.Fprintln(v.out)
		v.emotion = primary.Emotion
	}
	v.show(v.selector.Next(primary.Emotion))
}

// setStatus records the degraded state and prints it only when it changes.
func (v *liveView) setStatus(status string) {
	if status == v.status {
		return
	}
	v.status = status
	if status != "" {
		fmt.Fprintf(v.out, "%s ⚠️  %s\n", time.Now().Format("15:04:05"), status)
	}
}

func (v *liveView) show(s suggest.Suggestion) {
	if s == v.current {
		return
	}
	v.current = s
	fmt.Fprintf(v.out, "   %s: %s\n", s.Title, s.Text)
}

// refresh draws a new suggestion for the current emotion right away.
func (v *liveView) refresh() {
	v.selector.ForceRefresh()
	if v.emotion != "" {
		v.show(v.selector.Next(v.emotion))
	}
}

// render returns the last frame annotated the way the viewer sees it.
func (v *liveView) render() *image.RGBA {
	if v.frame == nil {
		return nil
	}
	var canvas *image.RGBA
	if v.opts.Mirror {
		canvas = vision.MirrorRGBA(v.frame)
	} else {
		canvas = vision.ToRGBA(v.frame)
	}
	annotate(canvas, v.faces)
	if v.status != "" {
		utils.DrawLabel(canvas, 10, 10, v.status, color.RGBA{R: 255, A: 255})
	}
	if !v.current.Empty() {
		drawPanel(canvas, v.current)
	}
	return canvas
}

// screenshot saves render() under dir and returns the file path.
func (v *liveView) screenshot(dir string) (string, error) {
	canvas := v.render()
	if canvas == nil {
		return "", errors.New("no frame captured yet")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("moodsync_%s_%s.jpg", time.Now().Format("20060102_150405"), uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return path, jpeg.Encode(f, canvas, &jpeg.Options{Quality: 90})
}

// drawPanel writes the suggestion across the bottom of the canvas.
func drawPanel(canvas *image.RGBA, s suggest.Suggestion) {
	b := canvas.Bounds()
	cols := (b.Dx() - 20) / utils.TextWidth("M")
	lines := utils.WrapText(s.Text, cols)
	height := (len(lines)+1)*utils.LineHeight + 10

	utils.FillRect(canvas, image.Rect(0, b.Max.Y-height, b.Max.X, b.Max.Y), color.RGBA{A: 255})
	y := b.Max.Y - height + 5
	utils.DrawLabel(canvas, 10, y, s.Title, s.Emotion.Color())
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for _, line := range lines {
		y += utils.LineHeight
		utils.DrawLabel(canvas, 10, y, line, white)
	}
}

func runLive(ctx context.Context, opts liveOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.Threshold < 0 || opts.Threshold > 1.0 {
		err := fmt.Errorf("threshold must be between 0.0 and 1.0, got %f", opts.Threshold)
		utils.ShowError("Invalid flags", err, nil)
		return err
	}

	engine, release, err := newEngine(ctx, 1, true)
	if err != nil {
		utils.ShowError("Failed to start emotion engine", err, nil)
		return err
	}
	defer release()

	var ffmpeg *exec.Cmd
	if opts.InputPath != "" {
		ffmpeg = utils.NewFFmpegCmd(ctx, opts.InputPath)
	} else {
		ffmpeg = utils.NewWebcamCmd(ctx, opts.Device, opts.Width, opts.Height, opts.FPS)
	}
	stderrBuf := utils.NewLogBuffer(utils.LogBufferSize)
	ffmpeg.Stderr = stderrBuf
	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	if err := ffmpeg.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}
	stopped := false
	stopFFmpeg := func() {
		if !stopped {
			stopped = true
			cancel()
			ffmpeg.Wait()
		}
	}
	defer stopFFmpeg()

	// Only the newest frame matters; older ones are dropped while the
	// classifier is busy.
	frames := make(chan []byte, 1)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(ffmpegOut)
		scanner.Buffer(make([]byte, megabyte), 64*megabyte)
		scanner.Split(utils.SplitJpeg)
		for scanner.Scan() {
			frame := append([]byte(nil), scanner.Bytes()...)
			select {
			case <-frames:
			default:
			}
			frames <- frame
		}
	}()

	commands := make(chan string)
	go func() {
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			select {
			case commands <- strings.ToLower(strings.TrimSpace(in.Text())):
			case <-ctx.Done():
				return
			}
		}
	}()

	view := newLiveView(engine, pipeline.Options{Mirror: opts.Mirror, Threshold: opts.Threshold}, cfg.SuggestionInterval, os.Stdout)
	fmt.Fprintln(os.Stderr, "📷 Live view started. Commands: [q]uit, [s]creenshot, [n]ew suggestion")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\n👋 Live view stopped.")
			return nil
		case data, ok := <-frames:
			if !ok {
				interrupted := ctx.Err() != nil
				// stderr is only complete once ffmpeg has been waited on
				stopFFmpeg()
				if !interrupted && stderrBuf.Len() > 0 {
					fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
				}
				fmt.Fprintln(os.Stderr, "🏁 Stream ended.")
				return nil
			}
			view.handleFrame(ctx, data)
		case c := <-commands:
			switch c {
			case "q", "quit":
				fmt.Fprintln(os.Stderr, "👋 Live view stopped.")
				return nil
			case "s":
				path, err := view.screenshot(cfg.ScreenshotDir)
				if err != nil {
					utils.ShowError("Screenshot failed", err, nil)
					continue
				}
				fmt.Fprintf(os.Stderr, "📸 Screenshot saved to %s\n", path)
			case "n":
				view.refresh()
			case "":
			default:
				fmt.Fprintf(os.Stderr, "Unknown command %q. Use q, s or n.\n", c)
			}
		}
	}
}
