package capture

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gradscan/gradscan/pkg/config"
	"github.com/gradscan/gradscan/pkg/events"
	"github.com/gradscan/gradscan/pkg/logging"
	"github.com/gradscan/gradscan/pkg/session"
	"github.com/gradscan/gradscan/pkg/vision"
)

// readBackoff is the pause after a transient frame read failure.
const readBackoff = 10 * time.Millisecond

// qrRepeatWindow suppresses re-accepting the same code while it is still
// held in front of the camera, so the scan's clock and attempt counter are
// not reset every frame.
const qrRepeatWindow = 2 * time.Second

// stopWait bounds how long Stop waits for the loop before releasing the
// device anyway.
const stopWait = 2 * time.Second

// QRScanner decodes an identifier from a frame when one is visible.
type QRScanner interface {
	DecodeFrame(img image.Image) (string, error)
}

// Pipeline runs the camera loop: frame acquisition, QR scanning, paced face
// detection, and display publishing. One goroutine owns the camera; model
// work runs in a single in-flight detection worker so a slow model drops
// detection ticks instead of queueing them.
type Pipeline struct {
	cfg      config.CaptureConfig
	liveness config.LivenessConfig

	camera   Camera
	detector vision.Detector
	embedder vision.Embedder
	checker  vision.LivenessChecker
	scanner  QRScanner

	sessions *session.Manager
	bus      *events.Bus
	signals  chan<- vision.Signal
	stats    *Stats

	detecting atomic.Bool

	facesMu   sync.Mutex
	lastFaces []vision.Face

	lastQR     string
	lastQRTime time.Time

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPipeline wires the capture loop. The liveness checker may be nil when
// anti-spoofing is disabled.
func NewPipeline(cfg config.CaptureConfig, liveness config.LivenessConfig, camera Camera,
	detector vision.Detector, embedder vision.Embedder, checker vision.LivenessChecker,
	scanner QRScanner, sessions *session.Manager, bus *events.Bus,
	signals chan<- vision.Signal, stats *Stats) *Pipeline {
	if stats == nil {
		stats = NewStats()
	}
	return &Pipeline{
		cfg:      cfg,
		liveness: liveness,
		camera:   camera,
		detector: detector,
		embedder: embedder,
		checker:  checker,
		scanner:  scanner,
		sessions: sessions,
		bus:      bus,
		signals:  signals,
		stats:    stats,
	}
}

// Stats exposes the pipeline's throughput counters.
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Start opens the camera and launches the loop. Idempotent while running.
func (p *Pipeline) Start() error {
	if p.running {
		return nil
	}
	if err := p.camera.Open(); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}

	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run()

	logging.Component("capture").Info("Capture pipeline started")
	return nil
}

// Stop terminates the loop and releases the camera. The device is closed
// even when the loop does not exit within the wait bound.
func (p *Pipeline) Stop() {
	if !p.running {
		return
	}
	close(p.stopCh)

	select {
	case <-p.doneCh:
	case <-time.After(stopWait):
		logging.Component("capture").Warn("Capture loop did not stop in time")
	}

	if err := p.camera.Close(); err != nil {
		logging.WithError(err).Warn("Camera close failed")
	}
	p.running = false
}

func (p *Pipeline) run() {
	defer close(p.doneCh)

	stop := p.stopCh
	detectEvery := time.Second / time.Duration(p.cfg.DetectionFPS)
	displayEvery := time.Second / time.Duration(p.cfg.DisplayFPS)
	var lastDetect, lastDisplay time.Time

	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, err := p.camera.ReadFrame()
		if err != nil {
			time.Sleep(readBackoff)
			continue
		}

		p.stats.TickFrame()
		mirrored := Mirror(frame.Image)
		now := frame.CapturedAt

		if now.Sub(lastDetect) >= detectEvery {
			lastDetect = now
			p.scanQR(frame.Image, now)
			if _, ok := p.sessions.Current(); ok && p.detecting.CompareAndSwap(false, true) {
				go p.detect(mirrored, now, stop)
			}
		}

		if now.Sub(lastDisplay) >= displayEvery {
			lastDisplay = now
			annotated := Annotate(mirrored, p.faces(), p.sessions.Status(), p.stats.FPS())
			p.bus.PublishFrame(events.DisplayFrame{Image: annotated, At: now})
		}
	}
}

// scanQR looks for an identifier code in the raw (unmirrored) frame and
// starts a scan when it finds one. A repeat of the same code inside the
// suppression window is ignored.
func (p *Pipeline) scanQR(img image.Image, now time.Time) {
	if p.scanner == nil {
		return
	}
	identifier, err := p.scanner.DecodeFrame(img)
	if err != nil || identifier == "" {
		return
	}
	if identifier == p.lastQR && now.Sub(p.lastQRTime) < qrRepeatWindow {
		p.lastQRTime = now
		return
	}
	p.lastQR = identifier
	p.lastQRTime = now

	if err := p.sessions.SetCurrent(identifier, session.SourceCamera); err != nil {
		return
	}
	p.bus.Publish(events.ScanAccepted{
		Identifier: identifier,
		Source:     string(session.SourceCamera),
		At:         now,
	})
	logging.Infof("Accepted scan for %s", identifier)
}

// detect runs one detection pass on a downscaled copy of the frame. Each
// face is handled independently: a failure on one face never blocks the
// samples from the others.
func (p *Pipeline) detect(frame *image.RGBA, now time.Time, stop <-chan struct{}) {
	defer p.detecting.Store(false)

	small := Resize(frame, p.cfg.DetectionWidth, p.cfg.DetectionHeight)
	faces, err := p.detector.DetectFaces(small)
	if err != nil {
		p.setFaces(nil)
		if !errors.Is(err, vision.ErrNoFaceDetected) {
			p.bus.Publish(events.Error{
				Message: fmt.Sprintf("face detection failed: %v", err),
				At:      now,
			})
		}
		return
	}
	p.stats.TickDetection(len(faces))

	bounds := frame.Bounds()
	scaleX := float64(bounds.Dx()) / float64(p.cfg.DetectionWidth)
	scaleY := float64(bounds.Dy()) / float64(p.cfg.DetectionHeight)
	display := make([]vision.Face, len(faces))
	for i, f := range faces {
		display[i] = f
		display[i].Box = vision.Region{
			X:      int(float64(f.Box.X) * scaleX),
			Y:      int(float64(f.Box.Y) * scaleY),
			Width:  int(float64(f.Box.Width) * scaleX),
			Height: int(float64(f.Box.Height) * scaleY),
		}
	}
	p.setFaces(display)

	for _, f := range faces {
		p.sample(small, f, now, stop)
	}
}

// sample runs liveness and embedding for one detected face and forwards the
// outcome to the matching engine.
func (p *Pipeline) sample(img image.Image, f vision.Face, now time.Time, stop <-chan struct{}) {
	if p.liveness.Enabled && p.checker != nil {
		live, confidence, err := p.checker.Check(img, f)
		if err != nil || !live {
			// An unverifiable face is treated the same as a failed
			// check: the sample window must not trust it.
			p.stats.TickSpoof()
			logging.Debugf("Liveness rejected face (confidence=%.2f, err=%v)", confidence, err)
			p.send(vision.Signal{Spoof: true}, stop)
			return
		}
	}

	embedding, err := p.embedder.Embed(img, f)
	if err != nil {
		p.bus.Publish(events.Error{
			Message: fmt.Sprintf("embedding failed: %v", err),
			At:      now,
		})
		return
	}

	p.stats.TickSample()
	p.send(vision.Signal{Sample: vision.Sample{Embedding: embedding, CapturedAt: now}}, stop)
}

// send delivers a signal unless the pipeline is shutting down. Delivery
// blocks rather than dropping: the consumer drains faster than faces
// arrive, and a lost spoof marker would be a correctness bug.
func (p *Pipeline) send(sig vision.Signal, stop <-chan struct{}) {
	select {
	case p.signals <- sig:
	case <-stop:
	}
}

func (p *Pipeline) setFaces(faces []vision.Face) {
	p.facesMu.Lock()
	p.lastFaces = faces
	p.facesMu.Unlock()
}

func (p *Pipeline) faces() []vision.Face {
	p.facesMu.Lock()
	defer p.facesMu.Unlock()
	return p.lastFaces
}
