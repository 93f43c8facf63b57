package fusion

import (
	"github.com/jordanhubbard/modelmux/internal/dispatch"
	"github.com/jordanhubbard/modelmux/internal/fault"
)

// epsilon keeps every successful response's weight strictly positive even
// when its entropy score is 0.
const epsilon = 1e-6

// FusedResponse is the consensus result across multiple provider
// responses. Contributions are non-negative and sum to 1.
type FusedResponse struct {
	Text          string             `json:"text"`
	Contributions map[string]float64 `json:"contributions"`
	Confidence    float64            `json:"confidence"`
	Responses     []dispatch.Response `json:"responses"`
}

// Fuse selects a consensus answer from the successful responses.
//
// Each success is scored with Score; weights are (q_i+ε)/Σ(q_j+ε); the
// winner's text is returned verbatim (no token-level merge) and the fused
// confidence is Σ w_i·q_i. Returns a fusion_empty fault when no response
// succeeded.
func Fuse(responses []dispatch.Response) (FusedResponse, error) {
	var ok []dispatch.Response
	for _, r := range responses {
		if r.Outcome == fault.OutcomeSuccess {
			r.Quality = Score(r.Text)
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return FusedResponse{}, fault.New(fault.KindFusionEmpty, "no successful responses to fuse")
	}

	var sum float64
	for _, r := range ok {
		sum += r.Quality + epsilon
	}

	fused := FusedResponse{
		Contributions: make(map[string]float64, len(ok)),
		Responses:     ok,
	}
	best := 0
	var bestW float64
	for i, r := range ok {
		w := (r.Quality + epsilon) / sum
		fused.Contributions[r.ProviderID] = w
		fused.Confidence += w * r.Quality
		if w > bestW {
			bestW = w
			best = i
		}
	}
	fused.Text = ok[best].Text
	return fused, nil
}
