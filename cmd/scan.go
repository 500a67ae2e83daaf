package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/moodsync/internal/emotion"
	"github.com/andresmejia3/moodsync/internal/pipeline"
	"github.com/andresmejia3/moodsync/internal/store"
	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/andresmejia3/moodsync/internal/utils"
	"github.com/andresmejia3/moodsync/internal/vision"
	"github.com/andresmejia3/moodsync/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// scanOptions holds the configuration of a video scan.
type scanOptions struct {
	InputPath        string
	NthFrame         int
	NumEngines       int
	Threshold        float64
	Mirror           bool
	GracePeriod      string
	DebugScreenshots bool
	Log              bool
	Context          string
}

var scanOpts scanOptions

var scanCmd = &cobra.Command{
	Use:         "scan",
	Short:       "Build an emotion timeline for a video with parallel engines",
	Annotations: map[string]string{dbAnnotation: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !cmd.Flags().Changed("threshold") {
			scanOpts.Threshold = cfg.LiveThreshold
		}
		return runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().IntVarP(&scanOpts.NthFrame, "nth-frame", "n", 10, "AI keyframe interval (e.g. scan every 10th frame)")
	scanCmd.Flags().IntVarP(&scanOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	scanCmd.Flags().Float64VarP(&scanOpts.Threshold, "threshold", "t", emotion.LiveThreshold, "Minimum confidence to accept a prediction")
	scanCmd.Flags().BoolVarP(&scanOpts.Mirror, "mirror", "m", false, "Flip frames horizontally before detection")
	scanCmd.Flags().StringVarP(&scanOpts.GracePeriod, "grace-period", "g", "2s", "The longest period without a matching face before an emotion segment is closed")
	scanCmd.Flags().BoolVarP(&scanOpts.DebugScreenshots, "debug-screenshots", "d", false, "Save annotated keyframes to the screenshot directory")
	scanCmd.Flags().BoolVarP(&scanOpts.Log, "log", "l", false, "Save the video's dominant emotion to the mood journal")
	scanCmd.Flags().StringVar(&scanOpts.Context, "context", "", "Context to store with --log")

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// Buffer pool to reduce GC pressure during scanning
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// scanResult wraps the output from a worker to be sent to the aggregator
type scanResult struct {
	Index int
	Faces []types.FaceResult
	Err   error
}

// runScan orchestrates the video scan: engine pool, FFmpeg streaming,
// in-order aggregation and progress tracking.
func runScan(ctx context.Context, opts scanOptions) error {
	// Child processes (FFmpeg, Python) die with this context on early return
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateScanFlags(&opts); err != nil {
		utils.ShowError("Invalid scan flags", err, nil)
		return err
	}
	if opts.Log && DB == nil {
		err := errors.New("--log needs a database connection")
		utils.ShowError("Cannot save to journal", err, nil)
		return err
	}

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to generate video ID", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])

	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video FPS", err, nil)
		return err
	}

	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner or unknown total if ffprobe fails
		totalVideoFrames = -1
	}

	engine, release, err := newEngine(ctx, opts.NumEngines, false)
	if err != nil {
		utils.ShowError("Failed to start emotion engine", err, worker.Logs(err))
		return err
	}
	defer release()

	var debugDir string
	if opts.DebugScreenshots {
		debugDir = filepath.Join(cfg.ScreenshotDir, videoID[:12])
		if err := os.MkdirAll(debugDir, 0755); err != nil {
			utils.ShowError("Failed to create debug directory", err, nil)
			return err
		}
	}

	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🎭 MoodSync Scanning"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan scanResult, opts.NumEngines*2)
	var wg sync.WaitGroup

	// Must run concurrently to prevent deadlock on resultsChan
	gracePeriod, _ := time.ParseDuration(opts.GracePeriod)
	tl := newTimeline(fps, opts.NthFrame, int(gracePeriod.Seconds()*fps))
	aggDone := make(chan struct{})
	go func() {
		processResults(resultsChan, tl, opts.NthFrame)
		close(aggDone)
	}()

	analyzeOpts := pipeline.Options{Mirror: opts.Mirror, Threshold: opts.Threshold}
	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				resultsChan <- analyzeFrame(ctx, engine, task, analyzeOpts, debugDir)
			}
		}()
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)

	stderrBuf := utils.NewLogBuffer(utils.LogBufferSize)
	ffmpeg.Stderr = stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := ffmpeg.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}

	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	totalFrames := 0
	sentFrames := 0
	for scanner.Scan() {
		totalFrames++
		bar.Add(1)

		if totalFrames%opts.NthFrame == 0 {
			buf := frameBufferPool.Get().([]byte)
			if cap(buf) < len(scanner.Bytes()) {
				buf = make([]byte, len(scanner.Bytes()))
			}
			buf = buf[:len(scanner.Bytes())]
			copy(buf, scanner.Bytes())
			taskChan <- types.FrameTask{Index: totalFrames, Data: buf}
			sentFrames++
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		cancel() // FFmpeg may be blocked writing frames nobody reads
	}
	waitErr := ffmpeg.Wait()

	close(taskChan)
	wg.Wait()
	close(resultsChan)
	<-aggDone
	bar.Finish()

	if scanErr != nil {
		utils.ShowError("Frame scanner failed", scanErr, worker.Logs(scanErr))
		return scanErr
	}
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\n🛑 Scan interrupted.")
		return ctx.Err()
	}
	if waitErr != nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		utils.ShowError("FFmpeg execution failed", waitErr, nil)
		return waitErr
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Scan Complete. Processed %d keyframes out of %d total.\n", sentFrames, totalFrames)
	tl.finish()
	printTimeline(tl)

	if opts.Log {
		id, err := persistScan(ctx, DB, opts.InputPath, tl, opts.Context)
		if err != nil {
			utils.ShowError("Failed to save scan to journal", err, nil)
			return err
		}
		if id > 0 {
			fmt.Printf("✅ Logged dominant emotion as mood #%d\n", id)
		}
	}
	return nil
}

// analyzeFrame classifies one keyframe. Frames without a confident face are
// empty results, not failures.
func analyzeFrame(ctx context.Context, engine *pipeline.Engine, task types.FrameTask, opts pipeline.Options, debugDir string) scanResult {
	img, err := vision.DecodeImage(bytes.NewReader(task.Data))
	// Return buffer to pool once decoded
	frameBufferPool.Put(task.Data[:0])
	if err != nil {
		return scanResult{Index: task.Index, Err: err}
	}

	faces, err := engine.Analyze(ctx, img, opts)
	if errors.Is(err, pipeline.ErrNoFace) || errors.Is(err, pipeline.ErrBelowThreshold) {
		return scanResult{Index: task.Index}
	}
	if err != nil {
		return scanResult{Index: task.Index, Err: err}
	}

	if debugDir != "" {
		if err := saveAnnotated(filepath.Join(debugDir, fmt.Sprintf("frame_%06d.jpg", task.Index)), img, faces, opts.Mirror); err != nil {
			fmt.Fprintf(os.Stderr, "\n⚠️  Failed to save debug frame %d: %v\n", task.Index, err)
		}
	}
	return scanResult{Index: task.Index, Faces: faces}
}

// processResults feeds results to tl in frame order. Engines finish out of
// order, so early results wait in a buffer.
func processResults(results <-chan scanResult, tl *timeline, nthFrame int) {
	buffer := make(map[int]scanResult)
	nextFrame := nthFrame
	warned := 0

	for res := range results {
		buffer[res.Index] = res

		for {
			frame, ok := buffer[nextFrame]
			if !ok {
				break
			}
			delete(buffer, nextFrame)

			if frame.Err != nil {
				tl.failed++
				if warned < 3 {
					fmt.Fprintf(os.Stderr, "\n⚠️  Frame %d skipped: %v\n", frame.Index, frame.Err)
					warned++
				}
			}
			tl.add(frame.Index, frame.Faces)
			nextFrame += nthFrame
		}
	}
}

// --- Emotion timeline ---

// segment is a run of keyframes whose main face showed the same emotion.
type segment struct {
	Emotion    types.Emotion
	StartFrame int
	EndFrame   int
	Samples    int
	ConfSum    float64
}

type timeline struct {
	fps     float64
	nth     int
	maxGap  int
	open    *segment
	closed  []segment
	counts  map[types.Emotion]int
	confSum map[types.Emotion]float64

	sampled    int
	withFace   int
	detections int
	failed     int
}

// newTimeline tracks keyframes every nth frames. A segment survives up to
// maxGapFrames without its emotion before it is closed.
func newTimeline(fps float64, nth, maxGapFrames int) *timeline {
	if maxGapFrames < nth {
		maxGapFrames = nth // Ensure at least one keyframe gap to prevent instant closing
	}
	return &timeline{
		fps:     fps,
		nth:     nth,
		maxGap:  maxGapFrames,
		counts:  make(map[types.Emotion]int),
		confSum: make(map[types.Emotion]float64),
	}
}

func (t *timeline) add(frame int, faces []types.FaceResult) {
	t.sampled++
	if len(faces) == 0 {
		if t.open != nil && frame-t.open.EndFrame > t.maxGap {
			t.closeOpen()
		}
		return
	}

	t.withFace++
	t.detections += len(faces)
	primary := largestFace(faces)
	t.counts[primary.Emotion]++
	t.confSum[primary.Emotion] += primary.Confidence

	if t.open != nil && t.open.Emotion == primary.Emotion && frame-t.open.EndFrame <= t.maxGap {
		t.open.EndFrame = frame
		t.open.Samples++
		t.open.ConfSum += primary.Confidence
		return
	}
	t.closeOpen()
	t.open = &segment{Emotion: primary.Emotion, StartFrame: frame, EndFrame: frame, Samples: 1, ConfSum: primary.Confidence}
}

func (t *timeline) closeOpen() {
	if t.open != nil {
		t.closed = append(t.closed, *t.open)
		t.open = nil
	}
}

func (t *timeline) finish() []segment {
	t.closeOpen()
	return t.closed
}

// dominant is the emotion seen on the most keyframes and its mean confidence.
// Ties go to the earlier label in classifier order.
func (t *timeline) dominant() (types.Emotion, float64, bool) {
	var best types.Emotion
	n := 0
	for _, e := range types.Labels {
		if t.counts[e] > n {
			best, n = e, t.counts[e]
		}
	}
	if n == 0 {
		return "", 0, false
	}
	return best, t.confSum[best] / float64(n), true
}

func (t *timeline) seconds(frame int) float64 {
	if t.fps <= 0 {
		return 0
	}
	return float64(frame) / t.fps
}

func printTimeline(t *timeline) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎭 EMOTION TIMELINE\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")

	for _, s := range t.closed {
		fmt.Fprintf(os.Stderr, "   %s -> %s  %-8s (%d keyframes, avg %.0f%%)\n",
			fmtTime(t.seconds(s.StartFrame)), fmtTime(t.seconds(s.EndFrame)),
			s.Emotion, s.Samples, s.ConfSum/float64(s.Samples)*100)
	}

	emotions := make([]types.Emotion, 0, len(t.counts))
	for e := range t.counts {
		emotions = append(emotions, e)
	}
	sort.Slice(emotions, func(i, j int) bool {
		if t.counts[emotions[i]] != t.counts[emotions[j]] {
			return t.counts[emotions[i]] > t.counts[emotions[j]]
		}
		return emotions[i].Index() < emotions[j].Index()
	})
	if len(emotions) > 0 {
		fmt.Fprintln(os.Stderr)
	}
	for _, e := range emotions {
		fmt.Fprintf(os.Stderr, "   %-8s %5.1f%% of keyframes with a face\n", e, float64(t.counts[e])/float64(t.withFace)*100)
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	if e, conf, ok := t.dominant(); ok {
		fmt.Fprintf(os.Stderr, "🏆 Dominant Emotion:        %s (avg %.0f%%)\n", e, conf*100)
	}
	fmt.Fprintf(os.Stderr, "👁️  Total Face Detections:   %d\n", t.detections)
	fmt.Fprintf(os.Stderr, "🖼️  Keyframes With A Face:   %d / %d\n", t.withFace, t.sampled)
	if t.failed > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Failed Keyframes:        %d\n", t.failed)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// persistScan logs the dominant emotion of a scan as a video journal entry.
// It returns 0 without writing when no face was classified.
func persistScan(ctx context.Context, db *store.Store, path string, t *timeline, moodContext string) (int64, error) {
	e, conf, ok := t.dominant()
	if !ok {
		fmt.Fprintln(os.Stderr, "ℹ️  No confident faces found, nothing to log.")
		return 0, nil
	}
	return logMood(ctx, db, store.NewMood{
		DetectedEmotion: string(e),
		Confidence:      &conf,
		Notes:           fmt.Sprintf("Video scan of %s: %s on %d of %d keyframes", filepath.Base(path), e, t.counts[e], t.sampled),
		Context:         moodContext,
		Source:          store.SourceVideo,
	}, e)
}

// saveAnnotated writes img with a labelled box around each face.
func saveAnnotated(path string, img image.Image, faces []types.FaceResult, mirrored bool) error {
	// Boxes are in the coordinates of the frame that was analyzed
	canvas := vision.ToRGBA(img)
	if mirrored {
		canvas = vision.MirrorRGBA(img)
	}
	annotate(canvas, faces)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, canvas, &jpeg.Options{Quality: 85})
}

// annotate draws each face's box and label in its emotion colour.
func annotate(canvas *image.RGBA, faces []types.FaceResult) {
	for _, face := range faces {
		b := face.Box
		c := face.Emotion.Color()
		utils.DrawBox(canvas, image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height), c, 2)
		label := "Face"
		if face.Emotion != "" {
			label = fmt.Sprintf("%s %.0f%%", face.Emotion, face.Confidence*100)
		}
		y := b.Y - utils.LineHeight
		if y < 0 {
			y = b.Y + b.Height + 2
		}
		utils.DrawLabel(canvas, b.X, y, label, c)
	}
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *scanOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.Threshold < 0 || opts.Threshold > 1.0 {
		return fmt.Errorf("invalid threshold: must be between 0.0 and 1.0, got %f", opts.Threshold)
	}
	if _, err := time.ParseDuration(opts.GracePeriod); err != nil {
		return fmt.Errorf("invalid grace-period format (use '2s', '500ms'): %w", err)
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
