package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/gradscan/gradscan/pkg/logging"
)

// FaceEngine abstracts the dlib recognizer so tests can substitute it.
type FaceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// DlibProvider implements Detector and Embedder over dlib via go-face.
// Dlib computes the descriptor during detection, so DetectFaces returns
// faces with their embedding already attached and Embed reuses it.
type DlibProvider struct {
	mu        sync.RWMutex
	engine    FaceEngine
	loaded    bool
	modelPath string

	factory func(modelPath string) (FaceEngine, error)
}

// NewDlibProvider creates an unloaded provider. Call LoadModels before use.
func NewDlibProvider() *DlibProvider {
	return &DlibProvider{
		factory: func(modelPath string) (FaceEngine, error) {
			return face.NewRecognizer(modelPath)
		},
	}
}

// LoadModels loads the dlib face models from the given directory.
// Loading twice is a no-op.
func (p *DlibProvider) LoadModels(modelPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loaded {
		return nil
	}

	logging.Infof("Loading face models from: %s", modelPath)

	engine, err := p.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load face models: %w", err)
	}

	p.engine = engine
	p.modelPath = modelPath
	p.loaded = true

	logging.Info("Face models loaded")
	return nil
}

// IsLoaded returns true if models are loaded.
func (p *DlibProvider) IsLoaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loaded
}

// Close releases the underlying recognizer.
func (p *DlibProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine != nil {
		p.engine.Close()
		p.engine = nil
	}
	p.loaded = false
	return nil
}

// DetectFaces finds all faces in the frame. Each returned face carries a
// unit-length embedding.
func (p *DlibProvider) DetectFaces(img image.Image) ([]Face, error) {
	p.mu.RLock()
	engine, loaded := p.engine, p.loaded
	p.mu.RUnlock()

	if !loaded {
		return nil, ErrModelNotLoaded
	}

	data, err := encodeJPEG(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	found, err := engine.Recognize(data)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(found) == 0 {
		return nil, ErrNoFaceDetected
	}

	result := make([]Face, len(found))
	for i, f := range found {
		rect := f.Rectangle
		landmarks := make([]Point, len(f.Shapes))
		for j, s := range f.Shapes {
			landmarks[j] = Point{X: s.X, Y: s.Y}
		}

		descriptor := make(Embedding, len(f.Descriptor))
		copy(descriptor, f.Descriptor[:])

		result[i] = Face{
			Box: Region{
				X:      rect.Min.X,
				Y:      rect.Min.Y,
				Width:  rect.Dx(),
				Height: rect.Dy(),
			},
			Landmarks:  landmarks,
			Confidence: 1.0, // dlib does not report detection confidence
			Embedding:  Normalize(descriptor),
		}
	}

	logging.Debugf("Detected %d face(s) in frame", len(result))
	return result, nil
}

// Embed returns the unit vector for an aligned face. The embedding cached
// by DetectFaces is reused; otherwise the face crop is re-run through dlib.
func (p *DlibProvider) Embed(img image.Image, f Face) (Embedding, error) {
	if len(f.Embedding) > 0 {
		return f.Embedding, nil
	}

	p.mu.RLock()
	engine, loaded := p.engine, p.loaded
	p.mu.RUnlock()

	if !loaded {
		return nil, ErrModelNotLoaded
	}

	crop := CropFace(img, f.Box)
	data, err := encodeJPEG(crop)
	if err != nil {
		return nil, fmt.Errorf("failed to encode face crop: %w", err)
	}

	found, err := engine.Recognize(data)
	if err != nil {
		return nil, fmt.Errorf("embedding extraction failed: %w", err)
	}
	if len(found) == 0 {
		return nil, ErrNoFaceDetected
	}

	descriptor := make(Embedding, len(found[0].Descriptor))
	copy(descriptor, found[0].Descriptor[:])
	return Normalize(descriptor), nil
}

// CropFace extracts the face region from the frame with a small margin,
// clamped to the frame bounds.
func CropFace(img image.Image, box Region) image.Image {
	bounds := img.Bounds()

	margin := box.Width / 4
	rect := image.Rect(
		box.X-margin,
		box.Y-margin,
		box.X+box.Width+margin,
		box.Y+box.Height+margin,
	).Intersect(bounds)

	if rect.Empty() {
		rect = bounds
	}

	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
