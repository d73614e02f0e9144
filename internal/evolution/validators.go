package evolution

// ValidationCategory names one of the spec's 5 training-cycle validation
// categories.
type ValidationCategory string

const (
	CategoryFunctionalCorrectness ValidationCategory = "functional_correctness"
	CategoryOutputQuality         ValidationCategory = "output_quality"
	CategoryInstructionFollowing  ValidationCategory = "instruction_following"
	CategorySafetyAlignment       ValidationCategory = "safety_alignment"
	CategoryPerformanceLatency    ValidationCategory = "performance_latency"
)

// CandidateModel is the minimal shape a Validator needs to score a
// fine-tuned candidate.
type CandidateModel struct {
	Endpoint string
	Version  string
}

// Validator scores a candidate model on one category, returning a value in
// [0, 1].
type Validator func(candidate CandidateModel, samples []EvolutionSample) (float64, error)

// CategoryFloor is the hard minimum a category score must clear regardless
// of the aggregate; failing any floor discards the candidate even if the
// aggregate would otherwise pass.
type CategoryFloor struct {
	Category ValidationCategory
	Floor    float64
}

// DefaultCategoryFloors matches the spec's "no category fails a hard
// floor" requirement with a conservative 0.4 floor on every category.
func DefaultCategoryFloors() []CategoryFloor {
	categories := []ValidationCategory{
		CategoryFunctionalCorrectness,
		CategoryOutputQuality,
		CategoryInstructionFollowing,
		CategorySafetyAlignment,
		CategoryPerformanceLatency,
	}
	floors := make([]CategoryFloor, len(categories))
	for i, c := range categories {
		floors[i] = CategoryFloor{Category: c, Floor: 0.4}
	}
	return floors
}

// ValidatorSet binds each category to the Validator that scores it.
type ValidatorSet map[ValidationCategory]Validator

// CategoryScore is one category's validation outcome.
type CategoryScore struct {
	Category ValidationCategory
	Score    float64
}

// ValidationResult is the full 5-category outcome plus derived aggregate.
type ValidationResult struct {
	Scores       []CategoryScore
	Aggregate    float64
	FailedFloors []ValidationCategory
}

// Validate runs every Validator in set against candidate, aggregating by
// unweighted mean, and reports any category that fails its floor.
func Validate(set ValidatorSet, candidate CandidateModel, samples []EvolutionSample, floors []CategoryFloor) (ValidationResult, error) {
	floorByCategory := make(map[ValidationCategory]float64, len(floors))
	for _, f := range floors {
		floorByCategory[f.Category] = f.Floor
	}

	categories := []ValidationCategory{
		CategoryFunctionalCorrectness,
		CategoryOutputQuality,
		CategoryInstructionFollowing,
		CategorySafetyAlignment,
		CategoryPerformanceLatency,
	}

	var result ValidationResult
	var sum float64
	for _, category := range categories {
		validator, ok := set[category]
		if !ok {
			continue
		}
		score, err := validator(candidate, samples)
		if err != nil {
			return ValidationResult{}, err
		}
		result.Scores = append(result.Scores, CategoryScore{Category: category, Score: score})
		sum += score
		if floor, ok := floorByCategory[category]; ok && score < floor {
			result.FailedFloors = append(result.FailedFloors, category)
		}
	}

	if len(result.Scores) > 0 {
		result.Aggregate = sum / float64(len(result.Scores))
	}
	return result, nil
}

// Passes reports whether aggregate clears minQuality and no category
// failed its hard floor.
func (r ValidationResult) Passes(minQuality float64) bool {
	return r.Aggregate >= minQuality && len(r.FailedFloors) == 0
}
