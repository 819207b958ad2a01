package genquota

import (
	"context"
	"fmt"
	"strings"
)

// Generator is the interface image generation backends implement. Calls are
// paid, so the Gate only invokes a generator after a unit was consumed.
type Generator interface {
	// Name returns the generator identifier (e.g. "mock", "gemini-image").
	Name() string

	// Generate renders the try-on image for a validated request.
	Generate(ctx context.Context, req GenerationRequest) (GeneratedImage, error)
}

// GeneratedImage is the generator output.
type GeneratedImage struct {
	DataURI string
	Model   string
}

// GenerationRequest holds the model description and wardrobe images.
// Images are data URIs ("data:<mime>;base64,<payload>").
type GenerationRequest struct {
	UserPhoto  string `json:"user_photo,omitempty"`
	Race       string `json:"race,omitempty"`
	Gender     string `json:"gender"`
	BodyType   string `json:"body_type,omitempty"`
	View       string `json:"view"`
	Framing    string `json:"framing"`
	Background string `json:"background"`
	Effect     string `json:"effect"`
	Top        string `json:"top,omitempty"`
	Bottom     string `json:"bottom,omitempty"`
	Dress      string `json:"dress,omitempty"`
}

var (
	races       = []string{"None", "Black American", "Black", "Asian", "Indian", "White"}
	genders     = []string{"male", "female"}
	bodyTypes   = []string{"fat", "chubby", "slim", "fit", "muscular", "model", "bulky", "shredded"}
	views       = []string{"front", "back"}
	framings    = []string{"full-body", "half-body", "portrait"}
	backgrounds = []string{
		"Neutral Gray Studio", "Black Studio", "Outdoor City Street", "Beach Sunset",
		"Forest Path", "Cozy Cafe", "Urban Rooftop", "Minimalist White Room", "Vibrant Graffiti Wall",
	}
	effects = []string{
		"None", "Movie-Like", "Golden Hour", "Dreamy", "VHS", "Black & White",
		"Sepia Tone", "High Contrast", "Infrared Glow",
	}
)

// Validate checks the request before any quota is consumed.
// Errors wrap ErrInvalidRequest.
func (r GenerationRequest) Validate() error {
	if err := oneOf("gender", r.Gender, genders); err != nil {
		return err
	}
	if err := oneOf("view", r.View, views); err != nil {
		return err
	}
	if err := oneOf("framing", r.Framing, framings); err != nil {
		return err
	}
	if err := oneOf("background", r.Background, backgrounds); err != nil {
		return err
	}
	if err := oneOf("effect", r.Effect, effects); err != nil {
		return err
	}

	// Race and body type describe a generated person and are only needed
	// when the user did not upload a photo.
	if r.UserPhoto == "" || r.Race != "" {
		if err := oneOf("race", r.Race, races); err != nil {
			return err
		}
	}
	if r.UserPhoto == "" || r.BodyType != "" {
		if err := oneOf("body_type", r.BodyType, bodyTypes); err != nil {
			return err
		}
	}

	images := []struct{ field, uri string }{
		{"user_photo", r.UserPhoto},
		{"top", r.Top},
		{"bottom", r.Bottom},
		{"dress", r.Dress},
	}
	for _, img := range images {
		if img.uri == "" {
			continue
		}
		if err := checkImageDataURI(img.field, img.uri); err != nil {
			return err
		}
	}

	if r.Top == "" && r.Bottom == "" && r.Dress == "" {
		return fmt.Errorf("%w: at least one clothing item is required", ErrInvalidRequest)
	}
	if r.Dress != "" && (r.Top != "" || r.Bottom != "") {
		return fmt.Errorf("%w: dress cannot be combined with top or bottom", ErrInvalidRequest)
	}

	return nil
}

func oneOf(field, value string, allowed []string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid %s %q", ErrInvalidRequest, field, value)
}

func checkImageDataURI(field, uri string) error {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return fmt.Errorf("%w: %s must be a data URI", ErrInvalidRequest, field)
	}
	mime, payload, ok := strings.Cut(rest, ";base64,")
	if !ok || payload == "" {
		return fmt.Errorf("%w: %s must be base64 encoded", ErrInvalidRequest, field)
	}
	if !strings.HasPrefix(mime, "image/") {
		return fmt.Errorf("%w: %s has unsupported type %q", ErrInvalidRequest, field, mime)
	}
	return nil
}
