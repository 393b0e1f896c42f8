// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package camera is the gocv implementation of optics.Source.
package camera

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"github.com/relabs-tech/drum_recorder/internal/optics"
)

// Options configures capture and blob extraction.
type Options struct {
	Device    string // numeric id or a path/URL
	Width     int
	Height    int
	ROI       image.Rectangle // empty: ask the operator
	Threshold int
	MinArea   float64
	SaveDir   string // when set, every region frame is written here as JPEG
}

// Camera captures frames and extracts the largest bright blob inside an
// inscribed circle of the region of interest.
type Camera struct {
	cap   *gocv.VideoCapture
	roi   image.Rectangle
	opts  Options
	frame gocv.Mat
	mask  *gocv.Mat

	saved      uint64
	saveFailed bool
}

// Open starts capture. When opts.ROI is empty the first frame is shown
// and the operator selects the region.
func Open(opts Options) (*Camera, error) {
	var device any = opts.Device
	if id, err := strconv.Atoi(opts.Device); err == nil {
		device = id
	}
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("camera: open %s: %w", opts.Device, err)
	}
	if opts.Width > 0 && opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}

	c := &Camera{cap: vc, opts: opts, frame: gocv.NewMat()}
	if ok := vc.Read(&c.frame); !ok || c.frame.Empty() {
		c.Close()
		return nil, fmt.Errorf("camera: no frame from %s", opts.Device)
	}

	bounds := image.Rect(0, 0, c.frame.Cols(), c.frame.Rows())
	roi := opts.ROI
	if roi.Empty() {
		roi = selectROI(c.frame)
	}
	roi = roi.Intersect(bounds)
	if roi.Empty() {
		c.Close()
		return nil, fmt.Errorf("camera: region %v outside frame %v", opts.ROI, bounds)
	}
	c.roi = roi
	if opts.SaveDir != "" {
		if err := os.MkdirAll(opts.SaveDir, 0o755); err != nil {
			c.Close()
			return nil, fmt.Errorf("camera: frame directory: %w", err)
		}
	}
	mask := circleMask(roi.Dx(), roi.Dy())
	c.mask = &mask
	log.Printf("camera: capturing %s at %dx%d, region %v", opts.Device, bounds.Dx(), bounds.Dy(), roi)
	return c, nil
}

func selectROI(frame gocv.Mat) image.Rectangle {
	w := gocv.NewWindow("Select top of drum")
	defer w.Close()
	return w.SelectROI(frame)
}

// circleMask returns a w x h mask holding the inscribed circle.
func circleMask(w, h int) gocv.Mat {
	mask := gocv.Zeros(h, w, gocv.MatTypeCV8U)
	r := min(w, h) / 2
	gocv.Circle(&mask, image.Pt(w/2, h/2), r, color.RGBA{255, 255, 255, 0}, -1)
	return mask
}

// ROI returns the region in frame coordinates.
func (c *Camera) ROI() image.Rectangle { return c.roi }

// Next implements optics.Source.
func (c *Camera) Next() (optics.Blob, error) {
	if ok := c.cap.Read(&c.frame); !ok || c.frame.Empty() {
		return optics.Blob{}, fmt.Errorf("camera: frame read failed")
	}
	region := c.frame.Region(c.roi)
	defer region.Close()
	if c.opts.SaveDir != "" {
		c.save(region)
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(region, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	masked := gocv.NewMat()
	defer masked.Close()
	gocv.BitwiseAndWithMask(blurred, blurred, &masked, *c.mask)

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(masked, &binary, float32(c.opts.Threshold), 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	best, bestArea := -1, 0.0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if best < 0 || area > bestArea {
			best, bestArea = i, area
		}
	}
	if best < 0 || bestArea < c.opts.MinArea {
		return optics.Blob{}, optics.ErrNoBlob
	}
	largest := contours.At(best)
	if largest.Size() < 5 {
		return optics.Blob{}, optics.ErrNoBlob
	}

	blob := optics.Blob{Area: bestArea, Angle: gocv.FitEllipse(largest).Angle}
	points := gocv.NewMatFromPointVector(largest, true)
	defer points.Close()
	m := gocv.Moments(points, false)
	if m["m00"] != 0 {
		blob.HasCenter = true
		blob.Center = image.Pt(int(m["m10"]/m["m00"]), int(m["m01"]/m["m00"]))
	}
	return blob, nil
}

func (c *Camera) save(region gocv.Mat) {
	name := fmt.Sprintf("roi_%06d_%s.jpg", c.saved, time.Now().Format("2006-01-02_15-04-05.000"))
	c.saved++
	ok := gocv.IMWrite(filepath.Join(c.opts.SaveDir, name), region)
	switch {
	case !ok && !c.saveFailed:
		log.Printf("camera: cannot write frames to %s", c.opts.SaveDir)
	case ok && c.saveFailed:
		log.Printf("camera: writing frames to %s again", c.opts.SaveDir)
	}
	c.saveFailed = !ok
}

// Close implements optics.Source.
func (c *Camera) Close() error {
	c.frame.Close()
	if c.mask != nil {
		c.mask.Close()
	}
	return c.cap.Close()
}
