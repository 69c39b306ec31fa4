/**
 * Field Extractor
 *
 * Pulls the structured identity fields out of general-profile OCR text. Each
 * field has an ordered strategy chain and the first non-empty match wins.
 * Extraction never fails: an unmatched field is simply nil.
 */

package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/adverant/nexus/idextract-worker/internal/logging"
	"github.com/adverant/nexus/idextract-worker/internal/ner"
)

var (
	capitalizedWord = regexp.MustCompile(`[A-Z][a-z]+`)
	genderToken     = regexp.MustCompile(`(?i)\b(MALE|FEMALE)\b`)
	dobPattern      = regexp.MustCompile(`\d{2}/\d{2}/\d{4}`)
	mobilePattern   = regexp.MustCompile(`(?:^|\D)(\d{10})(?:\D|$)`)
	idNumberPattern = regexp.MustCompile(`\b\d{4} \d{4} \d{4}\b`)
)

// Fields holds the general-profile fields. Address is extracted separately.
type Fields struct {
	Name     *string
	Gender   *string
	DOB      *string
	Mobile   *string
	IDNumber *string
}

// Extractor applies the per-field strategy chains.
type Extractor struct {
	finder ner.EntityFinder
	logger *logging.Logger
}

// NewExtractor creates an extractor. A nil finder skips the NER strategy for names.
func NewExtractor(finder ner.EntityFinder) *Extractor {
	return &Extractor{
		finder: finder,
		logger: logging.NewLogger("FieldExtractor"),
	}
}

// Extract runs every strategy chain over rawText.
func (e *Extractor) Extract(ctx context.Context, rawText string) Fields {
	return Fields{
		Name:     e.extractName(ctx, rawText),
		Gender:   firstMatch(genderToken, rawText),
		DOB:      firstMatch(dobPattern, rawText),
		Mobile:   firstSubmatch(mobilePattern, rawText),
		IDNumber: firstMatch(idNumberPattern, rawText),
	}
}

func (e *Extractor) extractName(ctx context.Context, rawText string) *string {
	if e.finder != nil {
		entities, err := e.finder.FindEntities(ctx, rawText)
		if err != nil {
			e.logger.Warn("Entity finder failed, falling back to capitalized words", "error", err)
		} else if name, ok := ner.FirstPerson(entities); ok {
			return &name
		}
	}

	words := capitalizedWord.FindAllString(rawText, 2)
	if len(words) == 0 {
		return nil
	}
	name := strings.Join(words, " ")
	return &name
}

func firstMatch(re *regexp.Regexp, text string) *string {
	m := re.FindString(text)
	if m == "" {
		return nil
	}
	return &m
}

func firstSubmatch(re *regexp.Regexp, text string) *string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 || m[1] == "" {
		return nil
	}
	return &m[1]
}
