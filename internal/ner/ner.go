// Package ner defines the entity-finder capability and its in-process implementation.
package ner

import (
	"context"
	"fmt"

	"github.com/jdkato/prose/v2"
)

// LabelPerson is the only label the field extractor consults.
const LabelPerson = "PERSON"

// Entity is one labelled span of text.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// EntityFinder labels spans of text with semantic categories.
type EntityFinder interface {
	FindEntities(ctx context.Context, text string) ([]Entity, error)
}

// ProseFinder runs prose's averaged-perceptron NER model in process. The
// model is decoded once and shared by every call.
type ProseFinder struct {
	model *prose.Model
}

// NewProseFinder creates an in-process entity finder, loading prose's
// built-in tagging and extraction model.
func NewProseFinder() (*ProseFinder, error) {
	doc, err := prose.NewDocument("", prose.WithSegmentation(false))
	if err != nil {
		return nil, fmt.Errorf("prose: load model: %w", err)
	}
	if doc.Model == nil {
		return nil, fmt.Errorf("prose: no model loaded")
	}
	return &ProseFinder{model: doc.Model}, nil
}

// FindEntities tags text and returns its entities in document order.
func (p *ProseFinder) FindEntities(ctx context.Context, text string) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := prose.NewDocument(text, prose.WithSegmentation(false), prose.UsingModel(p.model))
	if err != nil {
		return nil, fmt.Errorf("prose: %w", err)
	}

	ents := doc.Entities()
	out := make([]Entity, 0, len(ents))
	for _, e := range ents {
		out = append(out, Entity{Text: e.Text, Label: e.Label})
	}
	return out, nil
}

// FirstPerson returns the text of the first PERSON entity, if any.
func FirstPerson(entities []Entity) (string, bool) {
	for _, e := range entities {
		if e.Label == LabelPerson && e.Text != "" {
			return e.Text, true
		}
	}
	return "", false
}
