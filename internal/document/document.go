// Package document holds the data model shared by every pipeline stage.
package document

import (
	"encoding/json"
	"image"
)

// Profile selects the normalization tuning applied to a page.
type Profile string

const (
	ProfileGeneral Profile = "general"
	ProfileAddress Profile = "address"
)

// StaticConfidence is the fixed confidence attached to every page result.
const StaticConfidence = 0.85

// RasterPage is one decoded page of the input document.
type RasterPage struct {
	Number int // 1-based, in document order
	Image  image.Image
}

// NormalizedImage is a binarized page ready for recognition.
type NormalizedImage struct {
	Profile Profile
	Image   *image.Gray
}

// ExtractedFields is the fixed-shape record produced for one page.
// A nil field means no strategy matched.
type ExtractedFields struct {
	Name       *string
	Gender     *string
	DOB        *string
	Mobile     *string
	IDNumber   *string
	Address    *string
	RawText    string
	Confidence float64
}

// PageResult wraps the extraction for a single page.
type PageResult struct {
	PageNumber int
	Fields     ExtractedFields
}

type fieldsJSON struct {
	Name    *string `json:"name"`
	Gender  *string `json:"gender"`
	DOB     *string `json:"dob"`
	Mobile  *string `json:"mobile"`
	Aadhaar *string `json:"aadhaar"`
	Address *string `json:"address"`
}

type pageJSON struct {
	Fields     fieldsJSON `json:"fields"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
}

func (p PageResult) toJSON() pageJSON {
	f := p.Fields
	return pageJSON{
		Fields: fieldsJSON{
			Name:    f.Name,
			Gender:  f.Gender,
			DOB:     f.DOB,
			Mobile:  f.Mobile,
			Aadhaar: f.IDNumber,
			Address: f.Address,
		},
		Text:       f.RawText,
		Confidence: f.Confidence,
	}
}

// MarshalJSON renders the page in the response shape.
func (p PageResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.toJSON())
}

// DocumentResult is the terminal artifact of the pipeline. Pages are in document order.
type DocumentResult struct {
	Pages []PageResult
}

// IsMultiPage reports whether the result wraps more than one page.
func (d *DocumentResult) IsMultiPage() bool {
	return len(d.Pages) > 1
}

// MarshalJSON emits the single page object directly, or {"pages": [...]} for multi-page input.
func (d *DocumentResult) MarshalJSON() ([]byte, error) {
	if len(d.Pages) == 1 {
		return json.Marshal(d.Pages[0])
	}
	pages := d.Pages
	if pages == nil {
		pages = []PageResult{}
	}
	return json.Marshal(struct {
		Pages []PageResult `json:"pages"`
	}{Pages: pages})
}

// FieldCount returns how many structured fields are non-nil.
func (f ExtractedFields) FieldCount() int {
	n := 0
	for _, v := range []*string{f.Name, f.Gender, f.DOB, f.Mobile, f.IDNumber, f.Address} {
		if v != nil {
			n++
		}
	}
	return n
}
