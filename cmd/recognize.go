package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/lineage/internal/annotate"
	"github.com/andresmejia3/lineage/internal/camera"
	"github.com/andresmejia3/lineage/internal/model"
	"github.com/andresmejia3/lineage/internal/recognition"
	"github.com/andresmejia3/lineage/internal/types"
	"github.com/google/renameio"
	"github.com/spf13/cobra"
)

// RecognizeOptions holds the flags of the recognize command
type RecognizeOptions struct {
	ImagePath   string
	Facing      string
	Delay       time.Duration
	Interactive bool
	OutPath     string
}

var recognizeOpts RecognizeOptions

var recognizeCmd = &cobra.Command{
	Use:   "recognize",
	Short: "Capture one frame and identify the family members in it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateRecognizeFlags(&recognizeOpts); err != nil {
			return err
		}
		return runRecognize(cmd.Context(), recognizeOpts)
	},
}

func init() {
	recognizeCmd.Flags().StringVarP(&recognizeOpts.ImagePath, "image", "i", "", "Recognize a picture instead of a live camera")
	recognizeCmd.Flags().StringVar(&recognizeOpts.Facing, "facing", "", "Camera to use: back or front (default from config)")
	recognizeCmd.Flags().DurationVarP(&recognizeOpts.Delay, "delay", "d", 2*time.Second, "Time to wait before capturing")
	recognizeCmd.Flags().BoolVar(&recognizeOpts.Interactive, "interactive", false, "Capture when Enter is pressed")
	recognizeCmd.Flags().StringVarP(&recognizeOpts.OutPath, "out", "o", "", "Write the annotated capture to this JPEG file")
	rootCmd.AddCommand(recognizeCmd)
}

func validateRecognizeFlags(opts *RecognizeOptions) error {
	if opts.ImagePath != "" {
		info, err := os.Stat(opts.ImagePath)
		if err != nil {
			return fmt.Errorf("input image: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input image %s is a directory", opts.ImagePath)
		}
	}
	if opts.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %v", opts.Delay)
	}
	if _, err := camera.ParseFacing(opts.Facing); err != nil {
		return err
	}
	return nil
}

func runRecognize(ctx context.Context, opts RecognizeOptions) error {
	facingName := opts.Facing
	if facingName == "" {
		facingName = Cfg.Camera.Facing
	}
	facing, err := camera.ParseFacing(facingName)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, opts.ImagePath, facing)
	if err != nil {
		return err
	}
	defer a.Close()

	people, err := a.people.People(ctx)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	stopBars := progressBars(a.session)
	err = a.session.Open(ctx, people)
	stopBars()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		var loadErr *model.LoadError
		if errors.As(err, &loadErr) {
			a.showWorkerError("Model loading failed", err)
		} else {
			a.showWorkerError("Recognition session failed to start", err)
		}
		return err
	}

	snap := a.session.Snapshot()
	fmt.Fprintf(os.Stderr, "📷 Camera ready (%s, %d known faces)\n", snap.Facing, snap.Embeddings)
	if err := waitForCapture(ctx, opts, os.Stdin); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing capture...")
	if err := a.session.Capture(ctx); err != nil {
		a.showWorkerError("Recognition failed", err)
		return err
	}

	snap = a.session.Snapshot()
	switch snap.State {
	case recognition.NoFacesFound:
		fmt.Println("❌ No faces detected in the capture.")
	case recognition.Results:
		printResults(os.Stdout, snap.Results)
	default:
		return fmt.Errorf("capture ended in state %s: %s", snap.State, snap.Error)
	}

	if opts.OutPath != "" {
		if err := writeStill(a.session, opts.OutPath); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "🖼️  Annotated capture written to %s\n", opts.OutPath)
	}
	return nil
}

func waitForCapture(ctx context.Context, opts RecognizeOptions, in io.Reader) error {
	if opts.Interactive {
		fmt.Fprint(os.Stderr, "Press Enter to capture...")
		done := make(chan error, 1)
		go func() {
			_, err := bufio.NewReader(in).ReadString('\n')
			done <- err
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err != nil && err != io.EOF {
				return err
			}
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(opts.Delay):
		return nil
	}
}

func writeStill(s *recognition.Session, path string) error {
	img, ok := s.Still()
	if !ok {
		return fmt.Errorf("no capture to write")
	}
	var buf bytes.Buffer
	if err := annotate.EncodeJPEG(&buf, img); err != nil {
		return fmt.Errorf("failed to encode capture: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write capture: %w", err)
	}
	return nil
}

func printResults(out io.Writer, results []types.RecognitionResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tLABEL\tDISTANCE\tCONFIDENCE\tPERSON ID\tAGE\tGENDER")
	fmt.Fprintln(w, "-\t-----\t--------\t----------\t---------\t---\t------")

	for _, r := range results {
		personID := "-"
		if r.Person != nil {
			personID = r.Person.ID
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.1f%%\t%s\t%s\t%s\n",
			r.Index,
			r.Label,
			fmtDistance(r.Distance),
			r.Confidence,
			personID,
			fmtAge(r.Age),
			fmtGender(r.Gender, r.GenderConfidence),
		)
	}
	w.Flush()
}

func fmtDistance(d float64) string {
	if math.IsInf(d, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.3f", d)
}

func fmtAge(age int) string {
	if age <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", age)
}

func fmtGender(gender string, prob float64) string {
	if gender == "" {
		return "-"
	}
	if prob <= 0 {
		return gender
	}
	return fmt.Sprintf("%s (%.0f%%)", gender, prob*100)
}
