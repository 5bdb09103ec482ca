package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

// recommendationFile is the on-disk handoff format written by the analysis
// pipeline, one file per user.
type recommendationFile struct {
	GeneratedAt     string                `json:"generated_at"`
	Recommendations []recommendationEntry `json:"recommendations"`
}

type recommendationEntry struct {
	Symbol           string             `json:"symbol"`
	Ticker           string             `json:"ticker"`
	Verdict          string             `json:"verdict"`
	SuggestedQty     float64            `json:"suggested_qty"`
	SuggestedCapital float64            `json:"suggested_capital"`
	TargetPrice      float64            `json:"target_price"`
	EntryPriceHint   float64            `json:"entry_price_hint"`
	Indicators       map[string]float64 `json:"indicators"`
}

// FileSource reads recommendations from <dir>/<user_id>.json. A missing file
// means the pipeline produced nothing for that user today.
type FileSource struct {
	dir string
	log zerolog.Logger
}

var _ RecommendationSource = (*FileSource)(nil)

// NewFileSource creates a recommendation source rooted at dir
func NewFileSource(dir string, log zerolog.Logger) *FileSource {
	return &FileSource{
		dir: dir,
		log: log.With().Str("component", "recommendations").Logger(),
	}
}

// Pending returns the user's actionable recommendations. Only buy and
// strong_buy verdicts survive; watch and avoid entries are informational.
func (f *FileSource) Pending(ctx context.Context, userID string) ([]domain.Recommendation, error) {
	path := filepath.Join(f.dir, userID+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recommendations: %w", err)
	}

	var file recommendationFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse recommendations %s: %w", path, err)
	}

	recs := make([]domain.Recommendation, 0, len(file.Recommendations))
	for _, entry := range file.Recommendations {
		verdict := domain.Verdict(entry.Verdict)
		if verdict != domain.VerdictBuy && verdict != domain.VerdictStrongBuy {
			continue
		}
		if entry.Symbol == "" {
			f.log.Warn().Str("path", path).Msg("Recommendation without symbol skipped")
			continue
		}
		recs = append(recs, domain.Recommendation{
			Ticker:             entry.Ticker,
			Symbol:             entry.Symbol,
			SuggestedQty:       entry.SuggestedQty,
			SuggestedCapital:   entry.SuggestedCapital,
			TargetPrice:        entry.TargetPrice,
			EntryPriceHint:     entry.EntryPriceHint,
			Verdict:            verdict,
			IndicatorsSnapshot: entry.Indicators,
		})
	}

	f.log.Info().
		Str("user_id", userID).
		Int("actionable", len(recs)).
		Int("total", len(file.Recommendations)).
		Str("generated_at", file.GeneratedAt).
		Msg("Recommendations loaded")
	return recs, nil
}
