package model

// TestCase is one hidden test: an ordered argument tuple and the expected
// structurally-comparable output.
type TestCase struct {
	Args     []interface{} `json:"args" bson:"args"`
	Expected interface{}   `json:"expected" bson:"expected"`
}

// Problem is a durable problem document
type Problem struct {
	ID          string     `json:"id" bson:"_id,omitempty"`
	Title       string     `json:"title" bson:"title"`
	Description string     `json:"description" bson:"description"`
	Difficulty  string     `json:"difficulty" bson:"difficulty"` // easy, medium, hard
	EntryPoint  string     `json:"entryPoint" bson:"entryPoint"` // function the evaluator calls
	Language    string     `json:"language" bson:"language"`
	TestCases   []TestCase `json:"testCases" bson:"testCases"`
}

// FallbackProblem is substituted when a battle's problem id is missing from
// live state at submit time, so an in-flight battle keeps progressing
// instead of failing on a data-loss symptom.
func FallbackProblem() *Problem {
	return &Problem{
		ID:          "fallback-two-sum",
		Title:       "Sum of Two Numbers",
		Description: "Return the sum of the two arguments.",
		Difficulty:  "easy",
		EntryPoint:  "solve",
		Language:    "javascript",
		TestCases: []TestCase{
			{Args: []interface{}{1, 2}, Expected: 3},
			{Args: []interface{}{-4, 10}, Expected: 6},
			{Args: []interface{}{0, 0}, Expected: 0},
		},
	}
}
