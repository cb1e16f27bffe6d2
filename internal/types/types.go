package types

import (
	"encoding/json"
	"math"
	"strings"
)

// NoPhoto is the photo reference used by directory entries without a usable portrait.
const NoPhoto = "default"

// UnknownLabel is reported for faces that did not match any known person.
const UnknownLabel = "unknown"

// PersonData holds the descriptive fields of a family member document.
type PersonData struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Gender     string `json:"gender,omitempty"`
	Birthday   string `json:"birthday,omitempty"`
	Death      string `json:"death,omitempty"`
	Image      string `json:"image"`
	Occupation string `json:"occupation,omitempty"`
}

// Person matches the JSON structure of a family member in the directory.
type Person struct {
	ID   string          `json:"id"`
	Data PersonData      `json:"data"`
	Rels json.RawMessage `json:"rels,omitempty"`
}

// Label is the display key used for a person's embeddings ("First Last").
func (p Person) Label() string {
	return p.Data.FirstName + " " + p.Data.LastName
}

// HasPhoto reports whether the person references a photo worth fetching.
func (p Person) HasPhoto() bool {
	img := strings.TrimSpace(p.Data.Image)
	return img != "" && img != NoPhoto
}

// Box is a face region in pixel coordinates of the analysed image.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Face is a single detection returned by the embedding model.
type Face struct {
	Box   Box       `json:"box"`
	Vec   []float64 `json:"vec"`   // face descriptor
	Score float64   `json:"score"` // detector confidence

	// Attributes from the auxiliary model, only filled by multi-face detection.
	Age              float64 `json:"age,omitempty"`
	Gender           string  `json:"gender,omitempty"`
	GenderConfidence float64 `json:"genderConfidence,omitempty"`
}

// LabeledEmbedding associates one or more descriptors with a person.
type LabeledEmbedding struct {
	Label    string      `json:"label"`
	PersonID string      `json:"personId"`
	Vectors  [][]float64 `json:"vectors"`
}

// RecognitionResult is the outcome of matching one detected face.
type RecognitionResult struct {
	Index      int     `json:"index"` // position of the detection in the captured image
	Region     Box     `json:"region"`
	Label      string  `json:"label"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
	Person     *Person `json:"person"`

	Age              int     `json:"age,omitempty"`
	Gender           string  `json:"gender,omitempty"`
	GenderConfidence float64 `json:"genderConfidence,omitempty"`
}

// MarshalJSON writes a distance without a candidate (+Inf) as null, which
// JSON can represent.
func (r RecognitionResult) MarshalJSON() ([]byte, error) {
	type plain RecognitionResult
	out := struct {
		plain
		Distance *float64 `json:"distance"`
	}{plain: plain(r)}
	if !math.IsInf(r.Distance, 0) && !math.IsNaN(r.Distance) {
		d := r.Distance
		out.Distance = &d
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a null distance back as +Inf.
func (r *RecognitionResult) UnmarshalJSON(data []byte) error {
	type plain RecognitionResult
	in := struct {
		*plain
		Distance *float64 `json:"distance"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Distance = math.Inf(1)
	if in.Distance != nil {
		r.Distance = *in.Distance
	}
	return nil
}

// Matched reports whether the face resolved to a known label.
func (r RecognitionResult) Matched() bool {
	return r.Label != UnknownLabel
}
